package touriquest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RoundTripper executes a single HTTP transaction.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps the transport, e.g. for tracing or header injection.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// Response is the settled result of one logical API call. The body has been
// fully read and decompressed; the Response can be shared safely between the
// callers of a coalesced request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Client executes API calls with caching, de-duplication, batching, circuit
// breaking, retries, token management and metrics layered around one
// net/http client. It is safe for concurrent use.
type Client struct {
	rawBaseURL string
	baseURL    *url.URL
	httpClient *http.Client

	retryConfig RetryConfig
	retryPolicy RetryPolicy
	retryBudget *RetryBudget

	breakerConfig CircuitBreakerConfig
	breakers      *BreakerRegistry

	cacheConfig   CacheConfig
	cache         ResponseCache
	cacheDisabled bool

	auth *AuthTokenManager

	dedupEnabled bool
	dedup        *DeduplicationRegistry

	batchEnabled bool
	batchConfig  BatchConfig
	batcher      *BatchScheduler

	compression bool

	limiter *RateLimiterRegistry

	metrics *MetricsCollector

	logger Logger
	debug  *DebugConfig

	middleware []Middleware

	defaultTimeout time.Duration

	validationError error
}

// New constructs a Client from the provided functional options. Validation
// is best effort; call IsValid / ValidationError to inspect problems.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:     &http.Client{},
		retryConfig:    DefaultRetryConfig(),
		breakerConfig:  DefaultCircuitBreakerConfig(),
		cacheConfig:    DefaultCacheConfig(),
		batchConfig:    DefaultBatchConfig(),
		dedupEnabled:   true,
		defaultTimeout: 30 * time.Second,
		debug:          DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	// Unset config fields fall back to defaults before validation, so a
	// partial config is valid and only explicitly bad values are rejected.
	client.retryConfig = normalizeRetryConfig(client.retryConfig)
	client.breakerConfig = normalizeCircuitBreakerConfig(client.breakerConfig)
	client.cacheConfig = normalizeCacheConfig(client.cacheConfig)
	client.batchConfig = normalizeBatchConfig(client.batchConfig)

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	if u, err := url.Parse(client.rawBaseURL); err == nil {
		client.baseURL = u
	} else {
		client.baseURL = &url.URL{}
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.retryConfig)
	}
	if client.retryBudget == nil && client.retryConfig.BudgetMaxRetries > 0 {
		client.retryBudget = NewRetryBudget(client.retryConfig.BudgetMaxRetries, client.retryConfig.BudgetWindow)
	}

	client.breakers = NewBreakerRegistry(client.breakerConfig)
	client.dedup = NewDeduplicationRegistry()

	if !client.cacheDisabled && client.cache == nil {
		client.cache = newCacheBackend(client.cacheConfig)
	}
	if redisCache, ok := client.cache.(*RedisCache); ok {
		redisCache.SetLogger(client.logger)
	}

	if client.batchEnabled {
		client.batcher = NewBatchScheduler(client.batchConfig, client.submitBatch)
		client.batcher.setObservers(client.logger, client.metrics)
	}

	if client.auth != nil {
		client.auth.setObservers(client.logger, client.metrics)
	}

	return client
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Close flushes pending batches. The client must not be used afterwards.
func (c *Client) Close() {
	if c.batcher != nil {
		c.batcher.Close()
	}
}

// Get executes a GET request for path.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Execute(ctx, NewRequest(http.MethodGet, path, opts...))
}

// Post executes a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	opts = append([]RequestOption{WithJSONBody(body)}, opts...)
	return c.Execute(ctx, NewRequest(http.MethodPost, path, opts...))
}

// Put executes a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	opts = append([]RequestOption{WithJSONBody(body)}, opts...)
	return c.Execute(ctx, NewRequest(http.MethodPut, path, opts...))
}

// Delete executes a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Execute(ctx, NewRequest(http.MethodDelete, path, opts...))
}

// Execute runs one logical API call through every configured layer: cache
// lookup, de-duplication, circuit breaking, batching, rate limiting, auth,
// retries and metrics, in that order.
func (c *Client) Execute(ctx context.Context, d *RequestDescriptor) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	start := time.Now()
	class := endpointClass(c.baseURL.Host, d.Path)
	endpoint := c.baseURL.Host + d.Path

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("starting request", "requestID", requestID, "method", d.Method, "path", d.Path, "class", class)
	}

	c.metrics.RecordRequestStart(d.Method, endpoint)
	defer c.metrics.RecordRequestEnd(d.Method, endpoint)

	if c.cache != nil && d.Cacheable {
		if entry, found := c.cache.Get(ctx, d.Fingerprint()); found {
			c.metrics.RecordCacheHit(d.Method, endpoint)
			c.metrics.RecordRequest(d.Method, endpoint, entry.StatusCode, time.Since(start))
			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("cache hit", "requestID", requestID, "fingerprint", d.Fingerprint())
			}
			return &Response{
				StatusCode: entry.StatusCode,
				Header:     entry.Header,
				Body:       entry.Body,
				FromCache:  true,
			}, nil
		}
		c.metrics.RecordCacheMiss(d.Method, endpoint)
	}

	resp, err := c.coalesce(ctx, d, class, endpoint, requestID)

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(d.Method, endpoint, statusCode, duration)

	if err != nil {
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			c.metrics.RecordError(clientErr.Type, d.Method, endpoint)
		}
	}

	return resp, err
}

// coalesce collapses concurrent requests with equal fingerprints into one
// physical call. Writes participate too: the fingerprint includes the
// idempotency key, so only byte-identical, identically-keyed writes share a
// flight. The owner runs the call on a context detached from its own, so the
// call survives individual waiter cancellation until the last waiter leaves.
func (c *Client) coalesce(ctx context.Context, d *RequestDescriptor, class, endpoint, requestID string) (*Response, error) {
	if !c.dedupEnabled {
		return c.dispatch(ctx, d, class, requestID)
	}

	key := d.Fingerprint()
	pending, owner := c.dedup.JoinOrCreate(key)

	if !owner {
		c.metrics.RecordDeduplicationHit(d.Method, endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
			c.logger.Debug("joined in-flight request", "requestID", requestID, "fingerprint", key)
		}
		return pending.Wait(ctx)
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pending.bindCancel(cancel)

	go func() {
		resp, err := c.dispatch(callCtx, d, class, requestID)
		c.dedup.Complete(key, resp, err)
	}()

	return pending.Wait(ctx)
}

// dispatch routes the call through batching or the direct attempt loop,
// recording the terminal outcome on the breaker and maintaining the cache.
func (c *Client) dispatch(ctx context.Context, d *RequestDescriptor, class, requestID string) (*Response, error) {
	breaker := c.breakers.Get(class)

	if c.batcher != nil && d.Batchable {
		// Batched items only pre-check the breaker; the merged call claims
		// the half-open trial itself.
		if breaker.Tripped() {
			c.metrics.RecordCircuitBreakerState(class, breaker.State())
			return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, d, class, requestID, 0)
		}
		resp, err := c.batcher.Enqueue(ctx, d, class)
		c.finishCall(ctx, d, resp, err)
		return resp, err
	}

	if !breaker.Allow() {
		if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
			c.logger.Warn("circuit breaker open", "requestID", requestID, "class", class)
		}
		c.metrics.RecordCircuitBreakerState(class, breaker.State())
		return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, d, class, requestID, 0)
	}

	resp, err := c.doAttempts(ctx, d, class, requestID)

	// One terminal outcome per logical call, regardless of how many
	// attempts it took.
	if breakerFailure(resp, err) {
		breaker.RecordFailure()
	} else if !breakerNeutral(err) {
		breaker.RecordSuccess()
	}
	c.metrics.RecordCircuitBreakerState(class, breaker.State())

	c.finishCall(ctx, d, resp, err)
	return resp, err
}

// finishCall maintains the response cache after a settled call: successful
// cacheable reads are stored, successful writes invalidate the resource path
// they touched.
func (c *Client) finishCall(ctx context.Context, d *RequestDescriptor, resp *Response, err error) {
	if c.cache == nil || resp == nil || err != nil {
		return
	}

	if d.Cacheable && resp.StatusCode < 400 {
		ttl := d.CacheTTL
		if ttl <= 0 {
			ttl = c.cacheConfig.DefaultTTL
		}
		c.cache.Set(ctx, d.Fingerprint(), &CacheEntry{
			Fingerprint: d.Fingerprint(),
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			Body:        resp.Body,
		}, ttl)

		_, sizeBytes := c.cache.Stats()
		c.metrics.RecordCacheSize(cacheBackendName(c.cache), sizeBytes)
		return
	}

	if !d.IsSafe() && resp.StatusCode < 400 {
		c.cache.DeletePathPrefix(ctx, resourcePath(d.Path))
		if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
			c.logger.Debug("invalidated cached reads", "pathPrefix", resourcePath(d.Path))
		}
	}
}

// doAttempts runs the attempt loop: rate limiting, auth, transport, 401
// replay and retry policy consultation.
func (c *Client) doAttempts(ctx context.Context, d *RequestDescriptor, class, requestID string) (*Response, error) {
	start := time.Now()
	endpoint := c.baseURL.Host + d.Path
	authReplayed := false

	var compressed []byte
	if c.compression && len(d.Body) > 0 {
		var err error
		compressed, err = gzipBytes(d.Body)
		if err != nil {
			return nil, c.newError(ErrorTypeValidation, "failed to compress request body", err, d, class, requestID, 0)
		}
	}

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			allowed, limiter := c.limiter.Allow(class)
			if limiter != nil {
				c.metrics.RecordRateLimiterTokens(class, limiter.Tokens())
			}
			if !allowed {
				return nil, c.newError(ErrorTypeRateLimit, "rate limit exceeded", nil, d, class, requestID, attempt)
			}
		}

		if attempt > 0 {
			c.metrics.RecordRetry(d.Method, endpoint, attempt)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "path", d.Path)
			}
		}

		resp, token, attemptErr := c.doAttempt(ctx, d, compressed)

		// The caller gave up; surface its cancellation rather than a
		// synthesized network error.
		if attemptErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
			if authReplayed {
				return resp, c.newError(ErrorTypeAuth, "request unauthorized after token refresh", nil, d, class, requestID, attempt)
			}
			if c.debug != nil && c.debug.Enabled && c.debug.LogAuth && c.logger != nil {
				c.logger.Info("received 401, refreshing token", "requestID", requestID, "path", d.Path)
			}
			if _, err := c.auth.ForceRefresh(ctx, token); err != nil {
				return resp, c.newError(ErrorTypeAuth, "token refresh failed", err, d, class, requestID, attempt)
			}
			authReplayed = true
			attempt--
			continue
		}

		decision := c.retryPolicy.ShouldRetry(d, resp, attemptErr, attempt)

		if decision.AmbiguousOutcome {
			clientErr := c.newError(ErrorTypeAmbiguous,
				"request failed mid-flight and may or may not have been applied", attemptErr, d, class, requestID, attempt)
			clientErr.Duration = time.Since(start)
			return nil, clientErr
		}

		if decision.Retry {
			if c.retryBudget != nil && !c.retryBudget.Allow() {
				c.metrics.RecordRetryBudgetExceeded(class)
				return nil, c.newError(ErrorTypeRetryBudget, "retry budget exceeded", attemptErr, d, class, requestID, attempt)
			}
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt+1, "delay", decision.Delay)
			}
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if attemptErr != nil {
			errorType := ErrorTypeNetwork
			message := "network request failed"
			if errors.Is(attemptErr, context.DeadlineExceeded) {
				errorType = ErrorTypeTimeout
				message = "request timed out"
			}
			clientErr := c.newError(errorType, message, attemptErr, d, class, requestID, attempt)
			clientErr.Duration = time.Since(start)
			return nil, clientErr
		}

		if resp.StatusCode >= 400 {
			clientErr := c.newError(ErrorTypeHTTP, fmt.Sprintf("HTTP %d", resp.StatusCode), nil, d, class, requestID, attempt)
			clientErr.StatusCode = resp.StatusCode
			clientErr.Duration = time.Since(start)
			return resp, clientErr
		}

		return resp, nil
	}
}

// doAttempt performs one transport round trip. It returns the bearer token
// used so a 401 can invalidate exactly that token.
func (c *Client) doAttempt(ctx context.Context, d *RequestDescriptor, compressed []byte) (*Response, string, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := d.httpRequest(attemptCtx, c.baseURL)
	if err != nil {
		return nil, "", err
	}

	if compressed != nil {
		payload := compressed
		req.Body = io.NopCloser(bytes.NewReader(payload))
		req.ContentLength = int64(len(payload))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.compression {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	var token string
	if c.auth != nil {
		token, err = c.auth.Token(ctx)
		if err != nil {
			return nil, "", &ClientError{
				Type:    ErrorTypeAuth,
				Message: "could not obtain auth token",
				Cause:   err,
				Method:  d.Method,
				URL:     d.Path,
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.transport(req)
	if err != nil {
		return nil, token, err
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp)
	if err != nil {
		return nil, token, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, token, nil
}

// transport runs the middleware chain around the HTTP client.
func (c *Client) transport(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// submitBatch sends one merged batch call through the direct attempt path
// with its own breaker scope.
func (c *Client) submitBatch(ctx context.Context, merged *RequestDescriptor) (*Response, error) {
	class := endpointClass(c.baseURL.Host, merged.Path)
	breaker := c.breakers.Get(class)

	if !breaker.Allow() {
		c.metrics.RecordCircuitBreakerState(class, breaker.State())
		return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, merged, class, "", 0)
	}

	resp, err := c.doAttempts(ctx, merged, class, "")

	if breakerFailure(resp, err) {
		breaker.RecordFailure()
	} else if !breakerNeutral(err) {
		breaker.RecordSuccess()
	}
	c.metrics.RecordCircuitBreakerState(class, breaker.State())

	return resp, err
}

func (c *Client) newError(errorType, message string, cause error, d *RequestDescriptor, class, requestID string, attempt int) *ClientError {
	return &ClientError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		RequestID:   requestID,
		Method:      d.Method,
		URL:         d.Path,
		Endpoint:    class,
		Attempt:     attempt + 1,
		MaxAttempts: c.retryConfig.MaxAttempts,
		Timestamp:   time.Now(),
	}
}

// breakerFailure classifies a settled outcome for the circuit breaker.
// Transport failures, timeouts and overload statuses count against the
// error budget; deterministic client errors do not.
func breakerFailure(resp *Response, err error) bool {
	if err != nil {
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			switch clientErr.Type {
			case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeAmbiguous:
				return true
			case ErrorTypeHTTP:
				return clientErr.StatusCode >= 500 || clientErr.StatusCode == http.StatusTooManyRequests
			default:
				return false
			}
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp != nil {
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// breakerNeutral reports outcomes that should count neither as success nor
// failure: the caller abandoned the call or the client never reached the
// network.
func breakerNeutral(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeRateLimit, ErrorTypeRetryBudget, ErrorTypeValidation, ErrorTypeCircuitOpen:
			return true
		}
	}
	return false
}

// resourcePath trims a mutation path to the resource prefix used for cache
// invalidation: "/bookings/42/cancel" invalidates everything under
// "/bookings/42".
func resourcePath(path string) string {
	segments := 0
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			segments++
			if segments == 2 {
				return path[:i]
			}
		}
	}
	return path
}

func cacheBackendName(cache ResponseCache) string {
	switch cache.(type) {
	case *RedisCache:
		return "redis"
	default:
		return "memory"
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readBody drains the response body, transparently decompressing gzip.
func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}
