package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/listener"
)

var _ listener.Listener = (*ApiListener)(nil)

func TestApiListener_ServeAndStop(t *testing.T) {
	ids := make(chan string, 2)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- middleware.GetReqID(r.Context())
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		w.WriteHeader(http.StatusTeapot)
	})

	l, err := NewApiListener(ApiListenerConfig{Address: "127.0.0.1:0"}, h)
	require.NoError(t, err)
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	resp, err := http.Get("http://" + l.Addr() + "/v1/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.NotEmpty(t, <-ids)

	resp, err = http.Get("http://" + l.Addr() + "/panic")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	assert.NoError(t, l.Stop())
}

func TestApiListener_Config(t *testing.T) {
	_, err := NewApiListener(ApiListenerConfig{Address: ":0", TLSEnabled: true}, http.NotFoundHandler())
	assert.Error(t, err)

	l, err := NewApiListener(ApiListenerConfig{Address: "127.0.0.1:8420"}, http.NotFoundHandler())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8420", l.Addr())
	assert.Equal(t, "api", l.Type())
	assert.Equal(t, DefaultReadTimeout, l.server.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, l.server.WriteTimeout)
}
