package touriquest

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a bearer credential with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider is the external collaborator that acquires fresh tokens.
type TokenProvider interface {
	Refresh(ctx context.Context) (Token, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (Token, error)

// Refresh implements TokenProvider.
func (f TokenProviderFunc) Refresh(ctx context.Context) (Token, error) {
	return f(ctx)
}

// AuthConfig configures the token manager.
type AuthConfig struct {
	// RefreshThreshold triggers a proactive refresh once the token's
	// remaining lifetime drops below it. Default 1 minute.
	RefreshThreshold time.Duration
	// RefreshTimeout bounds one provider Refresh call. Default 30 seconds.
	RefreshTimeout time.Duration
	// MaxConcurrentRefreshes is accepted for configuration compatibility;
	// the manager always coalesces to a single in-flight refresh.
	MaxConcurrentRefreshes int
	// SessionTimeoutWarning fires OnSessionWarning once per token when the
	// remaining lifetime drops below it. Zero disables the warning.
	SessionTimeoutWarning time.Duration
	// OnSessionWarning is invoked (in its own goroutine) with the remaining
	// token lifetime.
	OnSessionWarning func(remaining time.Duration)
}

// DefaultAuthConfig returns the default auth configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		RefreshThreshold:       time.Minute,
		RefreshTimeout:         30 * time.Second,
		MaxConcurrentRefreshes: 1,
	}
}

type refreshCall struct {
	done  chan struct{}
	token Token
	err   error
}

// AuthTokenManager supplies a valid bearer credential, refreshing before
// expiry. Concurrent callers during a refresh all await the same in-flight
// refresh; only one provider call is ever active at a time.
type AuthTokenManager struct {
	provider TokenProvider
	config   AuthConfig
	logger   Logger
	metrics  *MetricsCollector

	mu       sync.Mutex
	token    Token
	inFlight *refreshCall
	warned   bool
}

// NewAuthTokenManager creates a manager around the given provider, filling
// zero config fields with defaults.
func NewAuthTokenManager(provider TokenProvider, config AuthConfig) *AuthTokenManager {
	defaults := DefaultAuthConfig()
	if config.RefreshThreshold <= 0 {
		config.RefreshThreshold = defaults.RefreshThreshold
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}

	return &AuthTokenManager{
		provider: provider,
		config:   config,
	}
}

func (m *AuthTokenManager) setObservers(logger Logger, metrics *MetricsCollector) {
	m.logger = logger
	m.metrics = metrics
}

// Token returns a valid bearer token, refreshing first when the remaining
// lifetime is below the refresh threshold.
func (m *AuthTokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	now := time.Now()

	if m.token.Value != "" && m.token.ExpiresAt.Sub(now) > m.config.RefreshThreshold {
		token := m.token.Value
		m.maybeWarnLocked(now)
		m.mu.Unlock()
		return token, nil
	}

	rc := m.startRefreshLocked()
	m.mu.Unlock()

	return m.await(ctx, rc)
}

// ForceRefresh discards staleToken and returns a fresh one. If the current
// token already differs from staleToken another caller refreshed in the
// meantime and no provider call is made; if a refresh is in flight it is
// joined rather than duplicated.
func (m *AuthTokenManager) ForceRefresh(ctx context.Context, staleToken string) (string, error) {
	m.mu.Lock()
	if m.token.Value != "" && m.token.Value != staleToken {
		token := m.token.Value
		m.mu.Unlock()
		return token, nil
	}
	rc := m.startRefreshLocked()
	m.mu.Unlock()

	return m.await(ctx, rc)
}

func (m *AuthTokenManager) await(ctx context.Context, rc *refreshCall) (string, error) {
	select {
	case <-rc.done:
		if rc.err != nil {
			return "", rc.err
		}
		return rc.token.Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// startRefreshLocked returns the in-flight refresh, starting one if none is
// active. Callers must hold m.mu.
func (m *AuthTokenManager) startRefreshLocked() *refreshCall {
	if m.inFlight != nil {
		return m.inFlight
	}

	rc := &refreshCall{done: make(chan struct{})}
	m.inFlight = rc
	go m.refresh(rc)
	return rc
}

func (m *AuthTokenManager) refresh(rc *refreshCall) {
	// The refresh is shared by every caller awaiting it, so it runs on its
	// own deadline rather than any single caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), m.config.RefreshTimeout)
	defer cancel()

	token, err := m.provider.Refresh(ctx)
	if err == nil && token.ExpiresAt.IsZero() {
		token.ExpiresAt = jwtExpiry(token.Value)
	}

	m.mu.Lock()
	if err == nil {
		m.token = token
		m.warned = false
	}
	m.inFlight = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTokenRefresh(err == nil)
	}
	if m.logger != nil {
		if err != nil {
			m.logger.Warn("token refresh failed", "error", err.Error())
		} else {
			m.logger.Debug("token refreshed", "expiresAt", token.ExpiresAt)
		}
	}

	rc.token = token
	rc.err = err
	close(rc.done)
}

func (m *AuthTokenManager) maybeWarnLocked(now time.Time) {
	if m.warned || m.config.SessionTimeoutWarning <= 0 || m.config.OnSessionWarning == nil {
		return
	}
	remaining := m.token.ExpiresAt.Sub(now)
	if remaining <= m.config.SessionTimeoutWarning {
		m.warned = true
		go m.config.OnSessionWarning(remaining)
	}
}

// jwtExpiry extracts the exp claim from a JWT without verifying the
// signature; providers that return opaque tokens must supply ExpiresAt
// themselves. A missing or unparsable claim yields the zero time, which the
// manager treats as already due for refresh.
func jwtExpiry(tokenValue string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenValue, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
