package touriquest

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt count including the first one.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay between consecutive retries.
	BackoffMultiplier float64
	// Jitter is the random fraction (0 to 1) added to each delay.
	Jitter float64
	// RetryableStatusCodes is the allow-list of statuses worth retrying.
	RetryableStatusCodes []int
	// BackoffStrategy selects the delay calculation algorithm.
	BackoffStrategy BackoffStrategy
	// BudgetMaxRetries bounds total retries across all requests per
	// BudgetWindow. Zero disables the budget.
	BudgetMaxRetries int
	BudgetWindow     time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		BaseDelay:            100 * time.Millisecond,
		MaxDelay:             10 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               0.1,
		RetryableStatusCodes: []int{408, 429, 502, 503, 504},
		BackoffStrategy:      ExponentialJitter,
	}
}

// CacheConfig configures response caching.
type CacheConfig struct {
	// DefaultTTL applies to cacheable requests without a per-request TTL.
	DefaultTTL time.Duration
	// MaxSizeBytes bounds the aggregate in-memory entry size.
	MaxSizeBytes int64
	// PersistentStorage switches the backend from in-memory to Redis so
	// cached responses survive restarts.
	PersistentStorage bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	// KeyPrefix namespaces Redis keys. Empty uses the default prefix.
	KeyPrefix string
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:   5 * time.Minute,
		MaxSizeBytes: 16 << 20,
	}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBaseURL sets the API base URL all request paths resolve against.
func WithBaseURL(rawURL string) Option {
	return func(c *Client) {
		c.rawBaseURL = rawURL
	}
}

// WithHTTPClient sets a custom HTTP client for transport calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the default per-attempt timeout for requests that do not
// carry their own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.defaultTimeout = d
	}
}

// WithRetryConfig replaces the retry configuration.
func WithRetryConfig(config RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithRetryPolicy sets a custom retry policy, overriding the one derived
// from the retry configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget bounds the total number of retries across all requests
// within a rolling window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithCircuitBreakerConfig replaces the breaker configuration shared by all
// per-endpoint-class breakers.
func WithCircuitBreakerConfig(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
	}
}

// WithCacheConfig replaces the cache configuration. The backend is built at
// construction: Redis when PersistentStorage is set, in-memory otherwise.
func WithCacheConfig(config CacheConfig) Option {
	return func(c *Client) {
		c.cacheConfig = config
	}
}

// WithCache sets a custom cache implementation, overriding the backend that
// would be built from the cache configuration.
func WithCache(cache ResponseCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithoutCache disables response caching entirely.
func WithoutCache() Option {
	return func(c *Client) {
		c.cacheDisabled = true
	}
}

// WithAuth attaches a token provider. Every request then carries a bearer
// token, refreshed before expiry and on 401.
func WithAuth(provider TokenProvider, config AuthConfig) Option {
	return func(c *Client) {
		c.auth = NewAuthTokenManager(provider, config)
	}
}

// WithDeduplication toggles collapsing of concurrent identical requests.
// Deduplication is on by default.
func WithDeduplication(enabled bool) Option {
	return func(c *Client) {
		c.dedupEnabled = enabled
	}
}

// WithBatching enables request batching for descriptors marked batchable.
func WithBatching(config BatchConfig) Option {
	return func(c *Client) {
		c.batchEnabled = true
		c.batchConfig = config
	}
}

// WithCompression enables gzip compression of request bodies and transparent
// decompression of responses.
func WithCompression() Option {
	return func(c *Client) {
		c.compression = true
	}
}

// WithMetrics enables Prometheus metrics on a private registry.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables Prometheus metrics on the given registerer.
func WithMetricsRegistry(registerer prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registerer)
	}
}

// WithMetricsCollector sets a prebuilt metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZerolog routes debug output into the given zerolog logger.
func WithZerolog(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = NewZerologLogger(logger)
	}
}

// WithDebug enables debug logging with the default configuration.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithSimpleLogger enables debug logging with a plain console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom request ID generator.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithMiddleware adds middleware to the transport chain, outermost first.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRateLimiter sets the fallback rate limiter applied to every endpoint
// class without a dedicated one.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.limiter = NewRateLimiterRegistry(NewRateLimiter(maxTokens, refillRate))
	}
}

// WithEndpointRateLimiter sets a dedicated rate limiter for one endpoint
// class.
func WithEndpointRateLimiter(class string, maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		if c.limiter == nil {
			c.limiter = NewRateLimiterRegistry(nil)
		}
		c.limiter.Register(class, NewRateLimiter(maxTokens, refillRate))
	}
}

// normalizeRetryConfig fills zero fields with the defaults from
// DefaultRetryConfig, mirroring the backfill in NewDefaultRetryPolicy.
func normalizeRetryConfig(config RetryConfig) RetryConfig {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay == 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = defaults.MaxDelay
		if config.MaxDelay < config.BaseDelay {
			config.MaxDelay = config.BaseDelay
		}
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.Jitter == 0 {
		config.Jitter = defaults.Jitter
	}
	if len(config.RetryableStatusCodes) == 0 {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return config
}

// normalizeCircuitBreakerConfig fills zero fields with the defaults from
// DefaultCircuitBreakerConfig, mirroring the backfill in NewCircuitBreaker.
// ExpectedFailureRate stays as given: zero disables the rate trip condition.
func normalizeCircuitBreakerConfig(config CircuitBreakerConfig) CircuitBreakerConfig {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.MonitoringPeriod == 0 {
		config.MonitoringPeriod = defaults.MonitoringPeriod
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	return config
}

// normalizeCacheConfig fills zero fields with the defaults from
// DefaultCacheConfig.
func normalizeCacheConfig(config CacheConfig) CacheConfig {
	defaults := DefaultCacheConfig()
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.MaxSizeBytes == 0 {
		config.MaxSizeBytes = defaults.MaxSizeBytes
	}
	return config
}

// normalizeBatchConfig fills zero fields with the defaults from
// DefaultBatchConfig, mirroring the backfill in NewBatchScheduler.
func normalizeBatchConfig(config BatchConfig) BatchConfig {
	defaults := DefaultBatchConfig()
	if config.Window == 0 {
		config.Window = defaults.Window
	}
	if config.MaxSize == 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	return config
}

// newCacheBackend builds the cache from configuration.
func newCacheBackend(config CacheConfig) ResponseCache {
	if config.PersistentStorage {
		client := redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		return NewRedisCache(client, config.KeyPrefix)
	}
	return NewInMemoryCache(config.MaxSizeBytes)
}

// ValidateConfiguration validates the client configuration and returns an
// error describing every problem found.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateBaseURL()...)
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)
	problems = append(problems, c.validateBatchConfig()...)
	problems = append(problems, c.validateDebugConfig()...)
	problems = append(problems, c.validateMiddlewareConfig()...)
	problems = append(problems, c.validateHTTPClientConfig()...)

	if len(problems) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}

	return nil
}

func (c *Client) validateBaseURL() []string {
	var problems []string

	if c.rawBaseURL == "" {
		problems = append(problems, "baseURL must be set")
		return problems
	}
	u, err := url.Parse(c.rawBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "baseURL must be an absolute URL")
	}

	return problems
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.retryConfig.MaxAttempts < 1 {
		problems = append(problems, "retry MaxAttempts must be at least 1")
	}
	if c.retryConfig.BaseDelay <= 0 {
		problems = append(problems, "retry BaseDelay must be positive")
	}
	if c.retryConfig.MaxDelay < c.retryConfig.BaseDelay {
		problems = append(problems, "retry MaxDelay must be greater than or equal to BaseDelay")
	}
	if c.retryConfig.BackoffMultiplier <= 0 {
		problems = append(problems, "retry BackoffMultiplier must be positive")
	}
	if c.retryConfig.Jitter < 0 || c.retryConfig.Jitter > 1 {
		problems = append(problems, "retry Jitter must be between 0 and 1")
	}
	if c.defaultTimeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.cacheDisabled {
		return problems
	}
	if c.cacheConfig.DefaultTTL <= 0 {
		problems = append(problems, "cache DefaultTTL must be positive")
	}
	if !c.cacheConfig.PersistentStorage && c.cacheConfig.MaxSizeBytes <= 0 {
		problems = append(problems, "cache MaxSizeBytes must be positive")
	}
	if c.cacheConfig.PersistentStorage && c.cacheConfig.RedisAddr == "" && c.cache == nil {
		problems = append(problems, "cache RedisAddr must be set when PersistentStorage is enabled")
	}

	return problems
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var problems []string

	if c.breakerConfig.FailureThreshold <= 0 {
		problems = append(problems, "circuitBreaker FailureThreshold must be positive")
	}
	if c.breakerConfig.RecoveryTimeout <= 0 {
		problems = append(problems, "circuitBreaker RecoveryTimeout must be positive")
	}
	if c.breakerConfig.MonitoringPeriod <= 0 {
		problems = append(problems, "circuitBreaker MonitoringPeriod must be positive")
	}
	if c.breakerConfig.SuccessThreshold <= 0 {
		problems = append(problems, "circuitBreaker SuccessThreshold must be positive")
	}
	if c.breakerConfig.ExpectedFailureRate < 0 || c.breakerConfig.ExpectedFailureRate > 1 {
		problems = append(problems, "circuitBreaker ExpectedFailureRate must be between 0 and 1")
	}

	return problems
}

func (c *Client) validateBatchConfig() []string {
	var problems []string

	if !c.batchEnabled {
		return problems
	}
	if c.batchConfig.Window <= 0 {
		problems = append(problems, "batch Window must be positive")
	}
	if c.batchConfig.MaxSize <= 0 {
		problems = append(problems, "batch MaxSize must be positive")
	}
	if c.batchConfig.Path == "" {
		problems = append(problems, "batch Path must be set")
	}

	return problems
}

func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			problems = append(problems, "logger must be set when debug is enabled")
		}
	}

	return problems
}

func (c *Client) validateMiddlewareConfig() []string {
	var problems []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateHTTPClientConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}

	return problems
}
