package vault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/secretbroker/helper"
	"github.com/stephnangue/secretbroker/logger"
)

const (
	loginFlightKey  = "login"
	minReauthPeriod = time.Minute
)

// Authenticator exchanges AppRole credentials for short-lived tokens. Logins
// are collapsed so that at most one is in flight at a time.
type Authenticator struct {
	api          *vaultapi.Client
	cache        *TokenCache
	mount        string
	namespace    string
	roleID       string
	secretID     string
	loginTimeout time.Duration
	refresh      bool

	group  singleflight.Group
	logins atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   logger.Logger
}

func newAuthenticator(api *vaultapi.Client, cache *TokenCache, cfg Config, log logger.Logger) *Authenticator {
	return &Authenticator{
		api:          api,
		cache:        cache,
		mount:        cfg.AppRoleMount,
		namespace:    cfg.Namespace,
		roleID:       cfg.RoleID,
		secretID:     cfg.SecretID,
		loginTimeout: cfg.LoginTimeout,
		refresh:      cfg.BackgroundRefresh,
		stopCh:       make(chan struct{}),
		logger:       log,
	}
}

// EnsureToken returns a token that is valid beyond the safety margin,
// logging in only when the cache has none.
func (a *Authenticator) EnsureToken(ctx context.Context) (string, error) {
	if token, ok := a.cache.Get(); ok {
		return token.Value, nil
	}
	token, err := a.flight(ctx, false)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

// LoginCount returns how many login requests have been sent.
func (a *Authenticator) LoginCount() int64 {
	return a.logins.Load()
}

// flight joins or starts the shared login. The login itself is detached from
// ctx so one abandoned caller cannot fail the others waiting on it; ctx only
// bounds how long this caller waits.
func (a *Authenticator) flight(ctx context.Context, force bool) (Token, error) {
	ch := a.group.DoChan(loginFlightKey, func() (any, error) {
		if !force {
			if token, ok := a.cache.Get(); ok {
				return token, nil
			}
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.loginTimeout)
		defer cancel()
		return a.login(loginCtx)
	})

	select {
	case <-ctx.Done():
		return Token{}, &Error{
			Kind:    ErrAuthentication,
			Op:      "login",
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (a *Authenticator) login(ctx context.Context) (Token, error) {
	a.logins.Add(1)
	path := "auth/" + a.mount + "/login"

	c := a.api.WithNamespace(a.namespace)
	c.ClearToken()

	secret, err := c.Logical().WriteWithContext(ctx, path, map[string]any{
		"role_id":   a.roleID,
		"secret_id": a.secretID,
	})
	if err != nil {
		err = classify("login", path, ErrAuthentication, err)
		a.logger.Error("approle login failed",
			logger.String("mount", a.mount),
			logger.Int("status", StatusCode(err)),
			logger.Bool("timeout", IsTimeout(err)))
		return Token{}, err
	}

	if secret == nil || secret.Auth == nil {
		return Token{}, a.malformed(path, "response has no auth block")
	}
	if secret.Auth.ClientToken == "" {
		return Token{}, a.malformed(path, "response has no client token")
	}
	if secret.Auth.LeaseDuration <= 0 {
		return Token{}, a.malformed(path, "response has no lease duration")
	}

	ttl := time.Duration(secret.Auth.LeaseDuration) * time.Second
	token := Token{
		Value:     secret.Auth.ClientToken,
		ExpiresAt: a.cache.Now().Add(ttl),
		Policies:  secret.Auth.Policies,
	}
	a.cache.Set(token)

	a.logger.Info("authenticated with approle",
		logger.String("mount", a.mount),
		logger.String("namespace", a.namespace),
		logger.String("ttl", helper.FormatTTL(ttl)),
		logger.Strings("policies", token.Policies))
	return token, nil
}

func (a *Authenticator) malformed(path, reason string) error {
	a.logger.Error("malformed approle login response", logger.String("mount", a.mount), logger.String("reason", reason))
	return &Error{Kind: ErrAuthentication, Op: "login", Path: path, Err: errors.New(reason)}
}

// Start performs the first login. With background refresh enabled it also
// re-authenticates at 80% of the remaining lease until Stop or ctx ends.
func (a *Authenticator) Start(ctx context.Context) error {
	if _, err := a.EnsureToken(ctx); err != nil {
		return err
	}
	if !a.refresh {
		return nil
	}

	a.logger.Info("starting reauth loop")
	a.wg.Add(1)
	go a.reauthLoop(ctx)
	return nil
}

// Stop ends the reauth loop, waits for it and drops the cached token. It is
// safe to call more than once.
func (a *Authenticator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
	a.cache.Clear()
}

func (a *Authenticator) reauthLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		wait := a.nextReauth()
		timer := time.NewTimer(wait)
		a.logger.Debug("next reauth scheduled", logger.String("in", helper.FormatTTL(wait)))

		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("reauth loop stopped due to context cancellation")
			return
		case <-a.stopCh:
			timer.Stop()
			a.logger.Info("reauth loop stopped")
			return
		case <-timer.C:
			if _, err := a.flight(ctx, true); err != nil {
				a.logger.Warn("scheduled re-authentication failed", logger.Err(err))
			}
		}
	}
}

func (a *Authenticator) nextReauth() time.Duration {
	a.cache.mu.RLock()
	token := a.cache.token
	a.cache.mu.RUnlock()

	if token == nil {
		return minReauthPeriod
	}
	return helper.FractionOf(a.cache.Now(), token.ExpiresAt, 4, 5, minReauthPeriod)
}
