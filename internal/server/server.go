package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MahbubHasan777/simple-chat-app/internal/reaper"
	"github.com/MahbubHasan777/simple-chat-app/internal/router"
	"github.com/MahbubHasan777/simple-chat-app/internal/server/middleware"
	"github.com/MahbubHasan777/simple-chat-app/pkg/config"
	"github.com/MahbubHasan777/simple-chat-app/pkg/metrics"
	"github.com/MahbubHasan777/simple-chat-app/pkg/registry"
	"github.com/MahbubHasan777/simple-chat-app/pkg/session"
	"github.com/MahbubHasan777/simple-chat-app/pkg/transport"
)

type App struct {
	logger    *slog.Logger
	directory *session.Directory
	registry  *registry.Registry
	router    *router.Router
	reaper    *reaper.Reaper
	wg        sync.WaitGroup
	http      *http.Server
	config    *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	directory := session.NewDirectory(logger)
	reg := registry.New(logger)
	msgRouter := router.New(logger, directory, reg)
	idleReaper := reaper.New(logger, directory, msgRouter.EvictUser,
		cfg.Session.SweepInterval, cfg.Session.IdleTimeout)

	app := &App{
		logger:    logger,
		directory: directory,
		registry:  reg,
		router:    msgRouter,
		reaper:    idleReaper,
		config:    cfg,
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	// Close the limiter's cycle callback over the registry: when an address
	// is over its budget in cycle mode, its oldest connection makes room.
	connCycler := func(ip string) {
		oldest, found := reg.OldestAddrConnection(ip)
		if found {
			logger.Info("Cycling connection: closing oldest", "ip", ip, "connID", oldest.ID)
			if t, ok := oldest.Transport.(*transport.Connection); ok {
				t.Close(errors.New("connection cycled by new connection"))
			}
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				reg.CountAddr,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	metrics.StartServer(a.logger, a.config.Metrics.Address, a.config.Metrics.Path)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reaper.Run(a.ctx)
	}()

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	// Every connection starts anonymous; the login action binds it later.
	if _, err := a.registry.Register(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()

	conn.SetOnMessageHandler(a.router.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.router.HandleDisconnect(id)
		metrics.ActiveConnections.Dec()
	})

	connLogger.Info("Connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections.
	a.logger.Info("Closing all active connections...",
		slog.Int("connections", a.registry.Count()),
		slog.Int("sessions", a.directory.Len()),
	)
	for _, conn := range a.registry.All() {
		if t, ok := conn.Transport.(*transport.Connection); ok {
			t.Close(errors.New("graceful shutdown"))
		}
	}

	// Wait for connection goroutines and the reaper to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
