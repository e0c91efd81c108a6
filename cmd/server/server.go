package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/stephnangue/secretbroker/audit"
	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/broker"
	"github.com/stephnangue/secretbroker/cmd/helpers"
	"github.com/stephnangue/secretbroker/config"
	brokerhttp "github.com/stephnangue/secretbroker/http"
	"github.com/stephnangue/secretbroker/listener"
	"github.com/stephnangue/secretbroker/listener/api"
	log "github.com/stephnangue/secretbroker/logger"
	"github.com/stephnangue/secretbroker/telemetry"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"
	subsystemBroker   = "broker"
	subsystemVault    = "vault"

	metricsInterval  = 10 * time.Second
	metricsRetention = time.Minute
)

// Version is reported in traces and the startup banner.
var Version = "dev"

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "This command starts a secret broker server that responds to API requests",
	Long: `
Usage: secretbroker server [options]

  Start a server that serves tenant secrets from the configured store. The
  configuration file is optional when the HASHICORP_* environment variables
  are set:

      $ secretbroker server --config=/etc/secretbroker/config.hcl
`,
	SilenceUsage: true,
	RunE:         run,
}

func run(cmd *cobra.Command, args []string) error {
	if helpers.ConfigPath != "" {
		if _, err := os.Stat(helpers.ConfigPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", helpers.ConfigPath)
		}
	}

	cfg, err := helpers.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildGatedLogger(cfg, cmd.OutOrStdout())
	defer logger.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to flush traces: %v\n", err)
		}
	}()

	sink := metrics.NewInmemSink(metricsInterval, metricsRetention)
	brokerMetrics, err := broker.NewMetrics(sink)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	recorder, err := buildAuditRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if rot, ok := recorder.(rotator); ok {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go rotateOnSignal(ctx, hup, rot, logger.WithSystem("audit"))
	}

	vcfg, err := cfg.VaultConfig()
	if err != nil {
		return err
	}
	client, err := vault.NewClient(vcfg, logger.WithSystem(subsystemVault))
	if err != nil {
		return fmt.Errorf("failed to construct the store client: %w", err)
	}

	ttl, err := cfg.ReadCacheTTL()
	if err != nil {
		return err
	}
	var cacheEntries int64
	if cfg.Cache != nil {
		cacheEntries = cfg.Cache.MaxEntries
	}

	b, err := broker.New(client, broker.Options{
		MergeAttempts: cfg.Vault.MergeAttempts,
		ReadCacheTTL:  ttl,
		CacheEntries:  cacheEntries,
		Audit:         recorder,
		Metrics:       brokerMetrics,
	}, logger.WithSystem(subsystemBroker))
	if err != nil {
		return fmt.Errorf("failed to construct the broker: %w", err)
	}
	// Fail fast on bad role credentials.
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to authenticate to %s: %w", client.Address(), err)
	}
	defer b.Stop()

	var hmacer *audit.HMACer
	if cfg.Audit != nil && cfg.Audit.HMACKey != "" {
		hmacer = audit.NewHMACer(cfg.Audit.HMACKey)
	}

	lns, err := initListeners(cfg, logger, func(l *config.ListenerBlock) http.Handler {
		return brokerhttp.Handler(&brokerhttp.HandlerProperties{
			Broker:   b,
			Health:   client,
			Metrics:  sink,
			APIToken: l.APIToken,
			HMACer:   hmacer,
			Logger:   logger.WithSystem("http." + l.Name),
		})
	})
	if err != nil {
		return err
	}

	info := map[string]string{
		"version":        Version,
		"log level":      log.ParseLogLevel(cfg.LogLevel).String(),
		"store address":  client.Address(),
		"store mount":    client.Mount(),
		"namespace":      cfg.Vault.Namespace,
		"approle mount":  cfg.Vault.AppRoleMount,
		"read cache ttl": ttl.String(),
		"tracing":        "disabled",
		"audit":          "disabled",
	}
	if cfg.Telemetry != nil && cfg.Telemetry.OTLPEndpoint != "" {
		info["tracing"] = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Audit != nil {
		info["audit"] = cfg.Audit.Path
	}
	for _, ln := range lns {
		info["listener "+ln.Type()] = ln.Addr()
	}
	printInfo(cmd.OutOrStdout(), info)

	var wg sync.WaitGroup
	errChan := make(chan error, len(lns))
	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				errChan <- fmt.Errorf("%s listener at %s: %w", ln.Type(), ln.Addr(), err)
			}
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Secret broker started! Log data will stream in below:\n")
	if err := logger.OpenGate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to flush startup logs: %v\n", err)
	}

	var listenerErrs []error
	for done := false; !done; {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			logger.Error("listener failed", log.Err(err), log.Int("failed", len(listenerErrs)), log.Int("total", len(lns)))
			// Only shut down when every listener has failed.
			if len(listenerErrs) >= len(lns) {
				done = true
			}
		case <-ctx.Done():
			logger.Info("shutdown triggered")
			done = true
		}
	}
	cancel()

	for _, ln := range lns {
		if err := ln.Stop(); err != nil {
			listenerErrs = append(listenerErrs, err)
		}
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}

	if len(listenerErrs) > 0 {
		return errors.Join(listenerErrs...)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

func buildGatedLogger(cfg *config.Config, stdout io.Writer) *log.GatedLogger {
	logConfig := cfg.LoggerConfig()
	logConfig.Subsystem = subsystemCore
	logConfig.Outputs = []io.Writer{stdout}

	gateConfig := log.GatedWriterConfig{
		Underlying:    stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)
	return gatedLogger
}

func setupTracing(ctx context.Context, cfg *config.Config) (telemetry.ShutdownFunc, error) {
	tcfg := telemetry.Config{Version: Version}
	if t := cfg.Telemetry; t != nil {
		tcfg.Endpoint = t.OTLPEndpoint
		tcfg.Insecure = t.Insecure
		tcfg.ServiceName = t.ServiceName
	}
	return telemetry.Setup(ctx, tcfg)
}

func buildAuditRecorder(cfg *config.Config) (audit.Recorder, error) {
	if cfg.Audit == nil {
		return audit.Nop{}, nil
	}
	return audit.NewFileRecorder(audit.FileRecorderConfig{
		Path:       cfg.Audit.Path,
		MaxSize:    cfg.Audit.MaxSize,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAge:     cfg.Audit.MaxAge,
		Compress:   cfg.Audit.Compress,
	})
}

// rotator is implemented by audit recorders backed by a rotating file.
type rotator interface {
	Rotate() error
}

// rotateOnSignal starts a new audit file for every signal received until ctx
// ends.
func rotateOnSignal(ctx context.Context, sigs <-chan os.Signal, r rotator, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if err := r.Rotate(); err != nil {
				logger.Error("failed to rotate audit log", log.String("signal", sig.String()), log.Err(err))
				continue
			}
			logger.Info("audit log rotated", log.String("signal", sig.String()))
		}
	}
}

func initListeners(cfg *config.Config, logger *log.GatedLogger, handlerFor func(*config.ListenerBlock) http.Handler) ([]listener.Listener, error) {
	blocks := cfg.Listeners
	if len(blocks) == 0 {
		blocks = []config.ListenerBlock{*cfg.GetApiListener()}
	}

	lns := make([]listener.Listener, 0, len(blocks))
	for i := range blocks {
		l := &blocks[i]
		readTimeout, writeTimeout, err := l.Timeouts()
		if err != nil {
			return nil, err
		}
		ln, err := api.NewApiListener(api.ApiListenerConfig{
			Logger:       logger.WithSystem(subsystemListener + "." + l.Name),
			Address:      l.Address,
			TLSCertFile:  l.TLSCertFile,
			TLSKeyFile:   l.TLSKeyFile,
			TLSEnabled:   l.TLSEnabled,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		}, handlerFor(l))
		if err != nil {
			return nil, fmt.Errorf("error initializing listener %q: %w", l.Name, err)
		}
		if err := ln.Listen(); err != nil {
			for _, bound := range lns {
				_ = bound.Stop()
			}
			return nil, fmt.Errorf("error binding listener %q to %s: %w", l.Name, l.Address, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

func printInfo(w io.Writer, info map[string]string) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n==> Secret broker configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range keys {
		fmt.Fprintf(w, "%24s: %s\n", titleCaser.String(k), info[k])
	}
}
