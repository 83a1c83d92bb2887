package router

import "github.com/tidwall/gjson"

// Payload extraction is tolerant by design: clients vary in how strictly they
// shape payloads, and a missing field simply resolves to "". Validation of
// the resolved values stays with the action handlers.

func parseLoginPayload(payload []byte) (username, token string) {
	return gjson.GetBytes(payload, "username").String(),
		gjson.GetBytes(payload, "token").String()
}

// parseSearchPayload accepts either a bare JSON string ("alice") or an
// object ({"username":"alice"}).
func parseSearchPayload(payload []byte) string {
	parsed := gjson.ParseBytes(payload)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	return parsed.Get("username").String()
}

func parseSendPayload(payload []byte) (to, text string) {
	return gjson.GetBytes(payload, "to").String(),
		gjson.GetBytes(payload, "message").String()
}
