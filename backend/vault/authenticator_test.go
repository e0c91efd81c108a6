package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/backend/vault/vaulttest"
	"github.com/stephnangue/secretbroker/logger"
)

func TestAuthenticator_ReusesCachedToken(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)
	auth := c.Authenticator()

	first, err := auth.EnsureToken(context.Background())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		token, err := auth.EnsureToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, token)
	}

	assert.EqualValues(t, 1, srv.LoginCount())
	assert.EqualValues(t, 1, auth.LoginCount())
}

func TestAuthenticator_RefreshesAtSafetyMargin(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	start := clock.Now()
	c := newTestClient(t, srv, func(cfg *Config) { cfg.Now = clock.Now })
	auth := c.Authenticator()

	_, err := auth.EnsureToken(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, srv.LoginCount())

	// Lease is one hour and the margin five minutes.
	clock.Set(start.Add(55*time.Minute - time.Second))
	_, err = auth.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.LoginCount())

	clock.Set(start.Add(55 * time.Minute))
	_, err = auth.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.LoginCount())
}

func TestAuthenticator_ConcurrentMissesShareOneLogin(t *testing.T) {
	srv := newTestServer(t)
	srv.SetLatency(100 * time.Millisecond)
	c := newTestClient(t, srv, nil)
	auth := c.Authenticator()

	const callers = 20
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = auth.EnsureToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.EqualValues(t, 1, srv.LoginCount())
}

func TestAuthenticator_RejectedCredentials(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.SecretID = "wrong" })

	_, err := c.Authenticator().EnsureToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.Equal(t, 400, StatusCode(err))
	assert.NotContains(t, err.Error(), "wrong")

	_, err = c.Read(context.Background(), "plugins/org1/vapi")
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestAuthenticator_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		mode vaulttest.LoginMode
	}{
		{name: "no auth block", mode: vaulttest.LoginNoAuth},
		{name: "no lease", mode: vaulttest.LoginNoLease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.SetLoginMode(tt.mode)
			c := newTestClient(t, srv, nil)

			_, err := c.Authenticator().EnsureToken(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAuthentication))

			_, ok := c.Authenticator().cache.Get()
			assert.False(t, ok)
		})
	}
}

func TestAuthenticator_MissingConfigFailsBeforeNetwork(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "address", mutate: func(c *Config) { c.Address = "" }},
		{name: "role id", mutate: func(c *Config) { c.RoleID = "" }},
		{name: "secret id", mutate: func(c *Config) { c.SecretID = " " }},
		{name: "backoff", mutate: func(c *Config) { c.Backoff = "fibonacci" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(srv)
			tt.mutate(&cfg)

			_, err := NewClient(cfg, logger.NewNopLogger())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
	assert.Zero(t, srv.RequestCount())
}

func TestAuthenticator_WaiterCancellation(t *testing.T) {
	srv := newTestServer(t)
	srv.SetLatency(300 * time.Millisecond)
	c := newTestClient(t, srv, nil)
	auth := c.Authenticator()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := auth.EnsureToken(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(started), 250*time.Millisecond)

	// The login carried on without the abandoned caller.
	token, err := auth.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.EqualValues(t, 1, srv.LoginCount())
}

func TestAuthenticator_SendsNamespace(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)

	_, err := c.Authenticator().EnsureToken(context.Background())
	require.NoError(t, err)

	for _, ns := range srv.Namespaces() {
		assert.Equal(t, "admin", ns)
	}
}

func TestAuthenticator_StartStop(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.BackgroundRefresh = true })

	require.NoError(t, c.Start(context.Background()))
	assert.EqualValues(t, 1, srv.LoginCount())
	_, ok := c.Authenticator().cache.Get()
	require.True(t, ok)

	c.Stop()
	c.Stop()

	_, ok = c.Authenticator().cache.Get()
	assert.False(t, ok, "stop drops the token")
}

func TestAuthenticator_StartFailsOnBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.RoleID = "nobody" })

	err := c.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestAuthenticator_NextReauth(t *testing.T) {
	clock := newFakeClock()
	auth := &Authenticator{cache: NewTokenCache(DefaultSafetyMargin, clock.Now)}

	assert.Equal(t, minReauthPeriod, auth.nextReauth())

	auth.cache.Set(Token{Value: "t", ExpiresAt: clock.Now().Add(time.Hour)})
	assert.Equal(t, 48*time.Minute, auth.nextReauth())

	clock.Advance(59 * time.Minute)
	assert.Equal(t, minReauthPeriod, auth.nextReauth())
}
