package touriquest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestDescriptor is the normalized, immutable representation of one
// logical API call. Two descriptors with the same Fingerprint are treated as
// the same logical request for caching and de-duplication purposes.
type RequestDescriptor struct {
	Method         string
	Path           string
	Query          url.Values
	Body           []byte
	Header         http.Header
	Cacheable      bool
	Batchable      bool
	IdempotencyKey string
	CacheTTL       time.Duration
	Timeout        time.Duration

	fingerprint string
}

// RequestOption configures a RequestDescriptor at construction time.
type RequestOption func(*RequestDescriptor)

// NewRequest builds a RequestDescriptor. The fingerprint is computed once at
// construction; the descriptor must not be mutated afterwards.
func NewRequest(method, path string, opts ...RequestOption) *RequestDescriptor {
	d := &RequestDescriptor{
		Method: strings.ToUpper(method),
		Path:   path,
		Query:  url.Values{},
		Header: http.Header{},
	}

	for _, opt := range opts {
		opt(d)
	}

	d.fingerprint = computeFingerprint(d)
	return d
}

// WithRequestQuery adds a query parameter.
func WithRequestQuery(key, value string) RequestOption {
	return func(d *RequestDescriptor) {
		d.Query.Add(key, value)
	}
}

// WithRequestHeader sets a request header.
func WithRequestHeader(key, value string) RequestOption {
	return func(d *RequestDescriptor) {
		d.Header.Set(key, value)
	}
}

// WithRequestBody sets a raw request body.
func WithRequestBody(body []byte) RequestOption {
	return func(d *RequestDescriptor) {
		d.Body = body
	}
}

// WithJSONBody marshals v as the request body and sets the content type.
// Marshal failures surface later as a validation error from Execute.
func WithJSONBody(v interface{}) RequestOption {
	return func(d *RequestDescriptor) {
		body, err := json.Marshal(v)
		if err != nil {
			return
		}
		d.Body = body
		d.Header.Set("Content-Type", "application/json")
	}
}

// WithIdempotencyKey marks a write as safely retryable. The key is sent as
// the Idempotency-Key header.
func WithIdempotencyKey(key string) RequestOption {
	return func(d *RequestDescriptor) {
		d.IdempotencyKey = key
	}
}

// AsCacheable marks the request as eligible for response caching.
func AsCacheable() RequestOption {
	return func(d *RequestDescriptor) {
		d.Cacheable = true
	}
}

// AsBatchable marks the request as eligible for batching.
func AsBatchable() RequestOption {
	return func(d *RequestDescriptor) {
		d.Batchable = true
	}
}

// WithRequestCacheTTL overrides the cache TTL for this request.
func WithRequestCacheTTL(ttl time.Duration) RequestOption {
	return func(d *RequestDescriptor) {
		d.CacheTTL = ttl
	}
}

// WithRequestTimeout overrides the per-attempt timeout for this request.
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(d *RequestDescriptor) {
		d.Timeout = timeout
	}
}

// Fingerprint returns the stable identity of the logical request, derived
// from method, path, encoded query, a hash of the body and the idempotency
// key when present, so identically-bodied writes with different keys stay
// distinct. The path is kept verbatim inside the fingerprint so that
// mutations can invalidate cached reads sharing the same resource path.
func (d *RequestDescriptor) Fingerprint() string {
	return d.fingerprint
}

func computeFingerprint(d *RequestDescriptor) string {
	h := fnv.New64a()
	h.Write(d.Body)
	fp := fmt.Sprintf("%s|%s|%s|%x", d.Method, d.Path, d.Query.Encode(), h.Sum64())
	if d.IdempotencyKey != "" {
		fp += "|" + d.IdempotencyKey
	}
	return fp
}

// IsSafe reports whether the method is safe per HTTP semantics and therefore
// always retryable.
func (d *RequestDescriptor) IsSafe() bool {
	switch d.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// IsIdempotent reports whether the request may be retried after a response
// was sent but not confirmed received: safe methods, PUT/DELETE, or any
// request carrying an explicit idempotency key.
func (d *RequestDescriptor) IsIdempotent() bool {
	if d.IdempotencyKey != "" {
		return true
	}
	switch d.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// endpointClass scopes circuit breakers and batch queues: host plus the
// first path segment, e.g. "api.touriquest.example/properties".
func endpointClass(host, path string) string {
	segment := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(segment, '/'); idx != -1 {
		segment = segment[:idx]
	}
	if segment == "" {
		return host + "/"
	}
	return host + "/" + segment
}

// httpRequest materializes the descriptor into an *http.Request against the
// given base URL.
func (d *RequestDescriptor) httpRequest(ctx context.Context, baseURL *url.URL) (*http.Request, error) {
	u := *baseURL
	u.Path = joinPath(baseURL.Path, d.Path)
	u.RawQuery = d.Query.Encode()

	var body *bytes.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range d.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if d.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	}

	// GetBody lets retries and redirects replay the payload.
	payload := d.Body
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	return req, nil
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
