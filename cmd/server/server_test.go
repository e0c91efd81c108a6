package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/audit"
	"github.com/stephnangue/secretbroker/cmd/helpers"
	"github.com/stephnangue/secretbroker/config"
	log "github.com/stephnangue/secretbroker/logger"
)

func testLogger() *log.GatedLogger {
	cfg := &config.Config{LogLevel: "error"}
	return buildGatedLogger(cfg, &bytes.Buffer{})
}

func TestInitListeners(t *testing.T) {
	t.Run("default api listener", func(t *testing.T) {
		cfg := &config.Config{}
		var names []string
		lns, err := initListeners(cfg, testLogger(), func(l *config.ListenerBlock) http.Handler {
			names = append(names, l.Name)
			return http.NotFoundHandler()
		})
		if err != nil {
			// The default port may be taken on the test host.
			t.Skipf("default address unavailable: %v", err)
		}
		require.Len(t, lns, 1)
		defer lns[0].Stop()

		assert.Equal(t, []string{"api"}, names)
		assert.Equal(t, "api", lns[0].Type())
		assert.Equal(t, config.DefaultAPIAddress, lns[0].Addr())
	})

	t.Run("configured listeners bind ephemeral ports", func(t *testing.T) {
		cfg := &config.Config{Listeners: []config.ListenerBlock{
			{Name: "api", Address: "127.0.0.1:0", APIToken: "t1"},
			{Name: "internal", Address: "127.0.0.1:0", ReadTimeout: "2s"},
		}}
		tokens := map[string]string{}
		lns, err := initListeners(cfg, testLogger(), func(l *config.ListenerBlock) http.Handler {
			tokens[l.Name] = l.APIToken
			return http.NotFoundHandler()
		})
		require.NoError(t, err)
		require.Len(t, lns, 2)
		for _, ln := range lns {
			defer ln.Stop()
			assert.NotEqual(t, "127.0.0.1:0", ln.Addr())
		}
		assert.Equal(t, map[string]string{"api": "t1", "internal": ""}, tokens)
	})

	t.Run("bad timeout", func(t *testing.T) {
		cfg := &config.Config{Listeners: []config.ListenerBlock{
			{Name: "api", Address: "127.0.0.1:0", WriteTimeout: "soon"},
		}}
		_, err := initListeners(cfg, testLogger(), func(*config.ListenerBlock) http.Handler {
			return http.NotFoundHandler()
		})
		assert.ErrorContains(t, err, "write_timeout")
	})

	t.Run("address in use", func(t *testing.T) {
		first, err := initListeners(&config.Config{Listeners: []config.ListenerBlock{
			{Name: "api", Address: "127.0.0.1:0"},
		}}, testLogger(), func(*config.ListenerBlock) http.Handler { return http.NotFoundHandler() })
		require.NoError(t, err)
		defer first[0].Stop()

		_, err = initListeners(&config.Config{Listeners: []config.ListenerBlock{
			{Name: "api", Address: first[0].Addr()},
		}}, testLogger(), func(*config.ListenerBlock) http.Handler { return http.NotFoundHandler() })
		assert.ErrorContains(t, err, "error binding listener")
	})
}

func TestBuildAuditRecorder(t *testing.T) {
	rec, err := buildAuditRecorder(&config.Config{})
	require.NoError(t, err)
	assert.NoError(t, rec.Close())

	rec, err = buildAuditRecorder(&config.Config{Audit: &config.AuditBlock{Path: t.TempDir() + "/audit.log"}})
	require.NoError(t, err)
	assert.NoError(t, rec.Close())
}

func TestPrintInfo(t *testing.T) {
	var buf bytes.Buffer
	printInfo(&buf, map[string]string{
		"store address": "https://vault.example.com",
		"log level":     "info",
	})

	out := buf.String()
	assert.Contains(t, out, "Log Level: info")
	assert.Contains(t, out, "Store Address: https://vault.example.com")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Log Level")), bytes.Index(buf.Bytes(), []byte("Store Address")))
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	old := helpers.ConfigPath
	helpers.ConfigPath = t.TempDir() + "/missing.hcl"
	defer func() { helpers.ConfigPath = old }()

	err := ServerCmd.RunE(ServerCmd, nil)
	assert.ErrorContains(t, err, "config file not found")
}

type countingRotator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRotator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRotateOnSignal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "rotates"},
		{name: "keeps going after a failure", err: errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			sigs := make(chan os.Signal)
			r := &countingRotator{err: tt.err}
			done := make(chan struct{})
			go func() {
				rotateOnSignal(ctx, sigs, r, log.NewNopLogger())
				close(done)
			}()

			sigs <- syscall.SIGHUP
			sigs <- syscall.SIGHUP
			cancel()
			<-done

			assert.Equal(t, 2, r.count())
		})
	}
}

func TestFileRecorderRotatesOnSignal(t *testing.T) {
	dir := t.TempDir()
	rec, err := buildAuditRecorder(&config.Config{Audit: &config.AuditBlock{Path: filepath.Join(dir, "audit.log")}})
	require.NoError(t, err)
	defer rec.Close()

	rot, ok := rec.(rotator)
	require.True(t, ok)

	require.NoError(t, rec.Record(context.Background(), audit.NewEntry(audit.OperationRead, "p")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal)
	go rotateOnSignal(ctx, sigs, rot, log.NewNopLogger())
	sigs <- syscall.SIGHUP

	assert.Eventually(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
