// ABOUTME: Gateway orchestrator that wires store, transport, router and the HTTP server
// ABOUTME: Manages component lifecycle, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bot"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/ingress"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
	"github.com/2389/switchboard/internal/transport/cloudapi"
	"github.com/2389/switchboard/internal/transport/matrix"
)

// webhookProvider is implemented by drivers that receive events over HTTP.
type webhookProvider interface {
	WebhookHandler() http.Handler
}

// Gateway owns every switchboard component and the HTTP server in front of them.
type Gateway struct {
	config       *config.Config
	store        store.Store
	supervisor   *transport.Supervisor
	conversation *conversation.Service
	events       *conversation.EventBroadcaster
	dedupe       *dedupe.Cache
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	logger       *slog.Logger

	// closing is closed when Shutdown starts so long-lived streams return.
	closing   chan struct{}
	closeOnce sync.Once
}

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// newDriver builds the transport driver selected by transport.driver.
func newDriver(cfg *config.Config, logger *slog.Logger) (transport.Driver, error) {
	switch cfg.Transport.Driver {
	case config.DriverMatrix:
		m := cfg.Transport.Matrix
		d, err := matrix.New(matrix.Config{
			Homeserver:   m.Homeserver,
			UserID:       m.UserID,
			AccessToken:  m.AccessToken,
			AllowedRooms: m.AllowedRooms,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverCloudAPI:
		c := cfg.Transport.CloudAPI
		return cloudapi.New(cloudapi.Config{
			APIURL:      c.APIURL,
			PhoneID:     c.PhoneID,
			Token:       c.Token,
			VerifyToken: c.VerifyToken,
			AppSecret:   c.AppSecret,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

// New creates a Gateway from configuration. Pass nil logger for default.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, driver, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the components around an opened store and driver.
func newGateway(cfg *config.Config, s store.Store, driver transport.Driver, logger *slog.Logger) (*Gateway, error) {
	templates, err := bot.NewTemplates(cfg.Bot.Templates)
	if err != nil {
		return nil, fmt.Errorf("loading bot templates: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set, trusting the X-Operator-ID header for operator identity")
	}

	seen := dedupe.New(cfg.Conversation.DedupeTTL, cfg.Conversation.DedupeMaxEntries)
	supervisor := transport.NewSupervisor(driver, cfg.Transport.ReconnectBackoff, logger)
	events := conversation.NewEventBroadcaster(logger)
	svc := conversation.New(s, supervisor, ingress.NewNormalizer(seen, logger), events, conversation.Options{
		InactivityTimeout: cfg.Conversation.InactivityTimeout,
		SweepSchedule:     cfg.Conversation.SweepSchedule,
		Templates:         templates,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		supervisor:   supervisor,
		conversation: svc,
		events:       events,
		dedupe:       seen,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		closing:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerHTTPAPIRoutes(mux)

	if wp, ok := driver.(webhookProvider); ok {
		path := cfg.Transport.CloudAPI.WebhookPath
		if path == "" {
			path = config.DefaultWebhookPath
		}
		mux.Handle(path, wp.WebhookHandler())
		gw.logger.Info("transport webhook mounted", "path", path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving health, API and webhook routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Conversation returns the routing service.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// startServers starts the HTTP server, the routing loop and the transport
// supervisor, returning a channel that receives their fatal errors.
func (g *Gateway) startServers(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.conversation.Run(ctx); err != nil {
			errCh <- fmt.Errorf("routing loop: %w", err)
		}
	}()

	g.supervisor.Start(ctx)

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts all components and blocks until ctx is cancelled or a server
// fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, httpLn)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects the transport, drains queued
// routing work and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.closeOnce.Do(func() { close(g.closing) })

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.supervisor.Disconnect()
	g.conversation.Shutdown()
	g.dedupe.Close()
	g.events.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth reports process liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports whether the transport session is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	status := g.supervisor.Status()
	if !status.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "transport %s", status.State)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", status.Driver)
}
