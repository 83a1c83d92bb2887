// Command simple-chat-client is a minimal terminal client for the relay.
// It dials the server with exponential backoff, logs in (re-presenting its
// token on reconnect so the session survives transport drops), and turns
// stdin lines into protocol actions:
//
//	/search <username>
//	/msg <username> <text>
//	/logout
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MahbubHasan777/simple-chat-app/internal/router"
	"github.com/MahbubHasan777/simple-chat-app/pkg/logging"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:3000/ws", "relay websocket URL")
	username := flag.String("username", "", "username to log in as")
	flag.Parse()

	logger := logging.New(logging.LevelInfo)
	if *username == "" {
		logger.Error("A -username is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &client{
		logger:    logger,
		serverURL: *serverURL,
		username:  *username,
	}
	if err := c.run(ctx); err != nil {
		logger.Error("Client exited", slog.Any("error", err))
		os.Exit(1)
	}
}

type client struct {
	logger    *slog.Logger
	serverURL string
	username  string
	token     string // issued on first login, re-presented on reconnect
}

// run dials, logs in and serves one session, reconnecting with backoff until
// the context is cancelled or the login is rejected outright. Stdin is read
// by a single goroutine for the life of the process; each session consumes
// from the shared line channel, so a reconnect never leaves two readers
// fighting over the scanner.
func (c *client) run(ctx context.Context) error {
	lines := make(chan string)
	go readLines(lines)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryNotify(
		func() error { return c.session(ctx, lines) },
		policy,
		func(err error, d time.Duration) {
			c.logger.Warn("Connection lost, retrying", slog.Any("error", err), slog.Duration("in", d))
		},
	)
}

// readLines pumps non-empty stdin lines into the channel until EOF.
func readLines(lines chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines <- line
	}
	close(lines)
}

func (c *client) session(ctx context.Context, lines <-chan string) error {
	conn, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.send(ctx, conn, router.ActionLogin, map[string]string{
		"username": c.username,
		"token":    c.token,
	}); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.consumeInput(sessCtx, conn, lines)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := c.handleEvent(msg); err != nil {
			// Login rejection is permanent; retrying would spam the server.
			return backoff.Permanent(err)
		}
	}
}

func (c *client) handleEvent(msg []byte) error {
	event := gjson.GetBytes(msg, "event").String()
	payload := gjson.GetBytes(msg, "payload")

	switch event {
	case router.EventLoginResult:
		if !payload.Get("success").Bool() {
			return fmt.Errorf("login rejected: %s", payload.Get("message").String())
		}
		c.token = payload.Get("token").String()
		fmt.Printf("* logged in as %s\n", payload.Get("username").String())
	case router.EventSearchResult:
		if payload.Get("success").Bool() {
			fmt.Println("* user found")
		} else {
			fmt.Printf("* %s\n", payload.Get("message").String())
		}
	case router.EventReceiveMessage:
		fmt.Printf("[%s -> %s] %s\n",
			payload.Get("from").String(),
			payload.Get("to").String(),
			payload.Get("text").String(),
		)
	case router.EventForceLogout:
		fmt.Println("* session ended by server")
		c.token = ""
	case router.EventClearUserData:
		fmt.Printf("* %s logged out, dropping their history\n", payload.Get("username").String())
	default:
		c.logger.Warn("Unknown event from server", slog.String("event", event))
	}
	return nil
}

// consumeInput dispatches shared stdin lines to this session's connection
// until the session ends or stdin is exhausted.
func (c *client) consumeInput(ctx context.Context, conn *websocket.Conn, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.dispatch(ctx, conn, line); err != nil {
				c.logger.Warn("Failed to send", slog.Any("error", err))
				return
			}
		}
	}
}

func (c *client) dispatch(ctx context.Context, conn *websocket.Conn, line string) error {
	switch {
	case strings.HasPrefix(line, "/search "):
		return c.send(ctx, conn, router.ActionSearch, strings.TrimPrefix(line, "/search "))
	case strings.HasPrefix(line, "/msg "):
		rest := strings.SplitN(strings.TrimPrefix(line, "/msg "), " ", 2)
		if len(rest) != 2 {
			fmt.Println("usage: /msg <username> <text>")
			return nil
		}
		return c.send(ctx, conn, router.ActionSend, map[string]string{"to": rest[0], "message": rest[1]})
	case line == "/logout":
		return c.send(ctx, conn, router.ActionLogout, nil)
	default:
		fmt.Println("commands: /search <username>, /msg <username> <text>, /logout")
		return nil
	}
}

func (c *client) send(ctx context.Context, conn *websocket.Conn, action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(router.ClientMessage{Action: action, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}
