package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ReadMissing(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)

	_, err := c.Read(context.Background(), "plugins/org1/vapi")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClient_CreateThenRead(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	version, err := c.Create(ctx, "plugins/org1/vapi", map[string]any{"publicApiKey": "pk"})
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	record, err := c.Read(ctx, "plugins/org1/vapi")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"publicApiKey": "pk"}, record.Data)
	assert.Equal(t, 1, record.Version)
	assert.False(t, record.CreatedTime.IsZero())
	assert.Equal(t, []string{"publicApiKey"}, record.Keys())
}

func TestClient_StrictCreateConflicts(t *testing.T) {
	srv := newTestServer(t)
	srv.Seed("plugins/org1/vapi", map[string]any{"a": "1"})
	c := newTestClient(t, srv, nil)

	_, err := c.Create(context.Background(), "plugins/org1/vapi", map[string]any{"b": "2"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, map[string]any{"a": "1"}, srv.Data("plugins/org1/vapi"))
}

func TestClient_ReplaceChecksVersion(t *testing.T) {
	srv := newTestServer(t)
	srv.Seed("p", map[string]any{"a": "1"})
	srv.Seed("p", map[string]any{"a": "2"})
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.Replace(ctx, "p", map[string]any{"a": "stale"}, 1)
	assert.True(t, IsConflict(err))

	version, err := c.Replace(ctx, "p", map[string]any{"a": "3"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestClient_DeleteIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "never/written"))
	require.NoError(t, c.Delete(ctx, "never/written"))

	srv.Seed("p", map[string]any{"a": "1"})
	require.NoError(t, c.Delete(ctx, "p"))
	require.NoError(t, c.Delete(ctx, "p"))

	_, err := c.Read(ctx, "p")
	assert.True(t, IsNotFound(err))

	version, err := c.CurrentVersion(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestClient_List(t *testing.T) {
	srv := newTestServer(t)
	srv.Seed("plugins/org1/vapi", map[string]any{"a": "1"})
	srv.Seed("plugins/org1/stripe", map[string]any{"a": "1"})
	srv.Seed("plugins/org2/vapi", map[string]any{"a": "1"})
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	keys, err := c.List(ctx, "plugins/org1")
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe", "vapi"}, keys)

	keys, err = c.List(ctx, "plugins/")
	require.NoError(t, err)
	assert.Equal(t, []string{"org1/", "org2/"}, keys)

	keys, err = c.List(ctx, "plugins/org3")
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestClient_ReResolvesTokenPerCall(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	c := newTestClient(t, srv, func(cfg *Config) { cfg.Now = clock.Now })
	ctx := context.Background()

	_, err := c.List(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, srv.LoginCount())

	clock.Advance(2 * time.Hour)
	_, err = c.List(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.LoginCount())
}

func TestClient_RequestTimeout(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	_, err := c.Authenticator().EnsureToken(ctx)
	require.NoError(t, err)

	srv.SetLatency(500 * time.Millisecond)
	_, err = c.Read(ctx, "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, IsTimeout(err))
}

func TestClient_Cancellation(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)

	_, err := c.Authenticator().EnsureToken(context.Background())
	require.NoError(t, err)
	srv.SetLatency(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err = c.Read(ctx, "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestClient_Health(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Initialized)
	assert.False(t, health.Sealed)
	assert.Zero(t, srv.LoginCount())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		kind    error
		err     error
		want    error
		status  int
		timeout bool
	}{
		{
			name:   "not found",
			kind:   ErrStore,
			err:    &vaultapi.ResponseError{StatusCode: 404},
			want:   ErrNotFound,
			status: 404,
		},
		{
			name:   "conflict status",
			kind:   ErrStore,
			err:    &vaultapi.ResponseError{StatusCode: 409, Errors: []string{"already exists"}},
			want:   ErrConflict,
			status: 409,
		},
		{
			name:   "check-and-set mismatch",
			kind:   ErrStore,
			err:    &vaultapi.ResponseError{StatusCode: 400, Errors: []string{"check-and-set parameter did not match the current version"}},
			want:   ErrConflict,
			status: 400,
		},
		{
			name:   "other bad request",
			kind:   ErrStore,
			err:    &vaultapi.ResponseError{StatusCode: 400, Errors: []string{"no data provided"}},
			want:   ErrStore,
			status: 400,
		},
		{
			name:   "server error",
			kind:   ErrStore,
			err:    &vaultapi.ResponseError{StatusCode: 503, Errors: []string{"sealed"}},
			want:   ErrStore,
			status: 503,
		},
		{
			name:   "login rejection stays authentication",
			kind:   ErrAuthentication,
			err:    &vaultapi.ResponseError{StatusCode: 404},
			want:   ErrAuthentication,
			status: 404,
		},
		{
			name:    "deadline",
			kind:    ErrStore,
			err:     fmt.Errorf("request: %w", context.DeadlineExceeded),
			want:    ErrStore,
			timeout: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("read", "p", tt.kind, tt.err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.True(t, errors.Is(err, tt.err))
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Equal(t, tt.timeout, IsTimeout(err))
		})
	}
}
