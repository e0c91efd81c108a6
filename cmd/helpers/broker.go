package helpers

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/broker"
	"github.com/stephnangue/secretbroker/config"
	"github.com/stephnangue/secretbroker/logger"
)

// Set by the root command's persistent flags.
var (
	ConfigPath string
	Namespace  string
	LogLevel   string
)

// SecretAPI is what the secret commands need from the broker.
type SecretAPI interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
	UpsertSecret(ctx context.Context, path string, value map[string]any) error
	DeleteSecret(ctx context.Context, path string) error
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

var testBroker SecretAPI

// SetBroker makes Broker return b. Tests only.
func SetBroker(b SecretAPI) {
	testBroker = b
}

// LoadConfig loads the configuration from ConfigPath and the environment and
// applies the --namespace override.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	if Namespace != "" {
		cfg.Vault.Namespace = Namespace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger returns the CLI logger on stderr, warn level unless --log-level
// says otherwise.
func Logger() logger.Logger {
	level := logger.WarnLevel
	if LogLevel != "" {
		level = logger.ParseLogLevel(LogLevel)
	}
	return logger.NewZerologLogger(&logger.Config{
		Level:     level,
		Format:    logger.DefaultFormat,
		Outputs:   []io.Writer{os.Stderr},
		Subsystem: "cli",
	})
}

// Broker builds a broker straight against the store and logs in. Call the
// returned func when done.
func Broker(ctx context.Context) (SecretAPI, func(), error) {
	if testBroker != nil {
		return testBroker, func() {}, nil
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	vcfg, err := cfg.VaultConfig()
	if err != nil {
		return nil, nil, err
	}
	// One-shot commands never need the refresh loop.
	vcfg.BackgroundRefresh = false

	log := Logger()
	client, err := vault.NewClient(vcfg, log.WithSubsystem("vault"))
	if err != nil {
		return nil, nil, err
	}
	b, err := broker.New(client, broker.Options{MergeAttempts: cfg.Vault.MergeAttempts}, log)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to log in to %s: %w", client.Address(), err)
	}
	return b, b.Stop, nil
}
