package vault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/backend/vault/vaulttest"
	"github.com/stephnangue/secretbroker/logger"
)

func newTestServer(t *testing.T) *vaulttest.Server {
	t.Helper()
	srv := vaulttest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *vaulttest.Server) Config {
	return Config{
		Address:    srv.URL,
		Namespace:  "admin",
		RoleID:     srv.RoleID,
		SecretID:   srv.SecretID,
		MaxRetries: 0,
	}
}

func newTestClient(t *testing.T, srv *vaulttest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := testConfig(srv)
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}
