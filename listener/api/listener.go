package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/secretbroker/logger"
)

const (
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 35 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

type ApiListener struct {
	logger  logger.Logger
	server  *http.Server
	ln      net.Listener
	tls     bool
	certs   [2]string
	stopped atomic.Bool
}

type ApiListenerConfig struct {
	Logger       logger.Logger
	Address      string
	TLSCertFile  string
	TLSKeyFile   string
	TLSEnabled   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	if cfg.TLSEnabled && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, errors.New("TLS enabled without a certificate and key")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	// Long enough for a store call that hits its own request timeout.
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var handler http.Handler = httpHandler
	handler = middleware.RequestID(handler)
	handler = middleware.RealIP(handler)
	handler = middleware.Recoverer(handler)

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &ApiListener{
		logger: cfg.Logger,
		server: server,
		tls:    cfg.TLSEnabled,
		certs:  [2]string{cfg.TLSCertFile, cfg.TLSKeyFile},
	}, nil
}

// Addr returns the bound address once Listen has run, the configured one
// before.
func (l *ApiListener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.server.Addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Listen binds the address. Start calls it when it has not run yet.
func (l *ApiListener) Listen() error {
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (l *ApiListener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		l.logger.Error("failed to bind listener", logger.String("address", l.server.Addr), logger.Err(err))
		return err
	}
	l.logger.Info("starting HTTP server", logger.String("address", l.Addr()), logger.Bool("tls", l.tls))

	errChan := make(chan error, 1)
	go func() {
		var err error
		if l.tls {
			err = l.server.ServeTLS(l.ln, l.certs[0], l.certs[1])
		} else {
			err = l.server.Serve(l.ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP Server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Info("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}
	// A listener that was bound but never served is not tracked by the server.
	if l.ln != nil {
		_ = l.ln.Close()
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
