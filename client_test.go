package touriquest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func readJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestExecuteConcurrentIdenticalGETsShareOneCall(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(context.Background(), "/properties/42")
			if err != nil {
				t.Errorf("Expected success, got %v", err)
				return
			}
			if resp.StatusCode != 200 || string(resp.Body) != `{"id":42}` {
				t.Errorf("Unexpected response %d %s", resp.StatusCode, resp.Body)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("Expected exactly one transport call, got %d", got)
	}
}

func TestExecuteConcurrentIdenticalKeyedWritesShareOneCall(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"bookingId":7}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Post(context.Background(), "/bookings",
				map[string]int{"propertyId": 42}, WithIdempotencyKey("book-42"))
			if err != nil {
				t.Errorf("Expected success, got %v", err)
				return
			}
			if resp.StatusCode != 200 {
				t.Errorf("Expected 200, got %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("Expected identical keyed writes to share one transport call, got %d", got)
	}
}

func TestExecuteDifferentlyKeyedWritesNotCoalesced(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.Post(context.Background(), "/bookings",
				map[string]int{"propertyId": 42}, WithIdempotencyKey("book-"+string(rune('a'+i))))
			if err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("Expected each keyed write its own transport call, got %d", got)
	}
}

func TestExecuteRetriesTransientStatusThenSucceeds(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithRetryConfig(fastRetryConfig()))

	resp, err := client.Get(context.Background(), "/properties/42")
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	// The breaker sees one terminal success, not three attempt outcomes.
	u := client.baseURL
	breaker := client.breakers.Get(endpointClass(u.Host, "/properties/42"))
	if breaker.State() != StateClosed {
		t.Errorf("Expected breaker closed, got %v", breaker.State())
	}
	if atomic.LoadInt64(&breaker.failures) != 0 {
		t.Errorf("Expected no breaker failures recorded, got %d", breaker.failures)
	}
	if atomic.LoadInt64(&breaker.total) != 1 {
		t.Errorf("Expected one terminal outcome recorded, got %d", breaker.total)
	}
}

func TestExecuteDeterministicStatusNotRetried(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithRetryConfig(fastRetryConfig()))

	resp, err := client.Get(context.Background(), "/properties/404")
	if err == nil {
		t.Fatal("Expected an HTTP error for 404")
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeHTTP || clientErr.StatusCode != 404 {
		t.Errorf("Expected HTTP 404 client error, got %v", err)
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Error("Expected the 404 response body to accompany the error")
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("Expected no retries for 404, got %d attempts", got)
	}
}

func TestExecuteCacheServesWithinTTL(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	req := NewRequest(http.MethodGet, "/properties/42", AsCacheable(), WithRequestCacheTTL(50*time.Millisecond))

	resp, err := client.Execute(context.Background(), req)
	if err != nil || resp.FromCache {
		t.Fatalf("Expected fresh response, got %v fromCache=%v", err, resp.FromCache)
	}

	resp, err = client.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected cached response, got %v", err)
	}
	if !resp.FromCache {
		t.Error("Expected second call served from cache")
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("Expected one transport call within TTL, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)

	resp, err = client.Execute(context.Background(), req)
	if err != nil || resp.FromCache {
		t.Fatalf("Expected refetch after expiry, got %v fromCache=%v", err, resp.FromCache)
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("Expected refetch after TTL, got %d calls", got)
	}
}

func TestExecuteWriteInvalidatesCachedReads(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt64(&hits, 1)
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	read := NewRequest(http.MethodGet, "/bookings/42", AsCacheable())

	if _, err := client.Execute(context.Background(), read); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Execute(context.Background(), read); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("Expected cached read, got %d GETs", got)
	}

	if _, err := client.Post(context.Background(), "/bookings/42/cancel", map[string]string{}); err != nil {
		t.Fatal(err)
	}

	resp, err := client.Execute(context.Background(), read)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FromCache {
		t.Error("Expected the write to invalidate the cached read")
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("Expected refetch after invalidation, got %d GETs", got)
	}
}

func TestExecuteCircuitOpenFailsFastWithoutTransport(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithRetryConfig(fastRetryConfig()),
		WithCircuitBreakerConfig(CircuitBreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
		}),
	)

	if _, err := client.Get(context.Background(), "/payments/charge"); err == nil {
		t.Fatal("Expected the first call to fail")
	}
	hitsBefore := atomic.LoadInt64(&hits)

	_, err := client.Get(context.Background(), "/payments/charge")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected circuit-open error, got %v", err)
	}
	if got := atomic.LoadInt64(&hits); got != hitsBefore {
		t.Errorf("Expected zero transport calls while open, got %d extra", got-hitsBefore)
	}
}

func TestExecuteAmbiguousOutcomeForUnkeyedWrite(t *testing.T) {
	var transportCalls int64
	failTransport := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		atomic.AddInt64(&transportCalls, 1)
		return nil, errors.New("connection reset by peer")
	}

	client := New(
		WithBaseURL("https://api.touriquest.example"),
		WithRetryConfig(fastRetryConfig()),
		WithMiddleware(failTransport),
	)

	_, err := client.Post(context.Background(), "/bookings", map[string]int{"propertyId": 42})
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("Expected ambiguous-outcome error, got %v", err)
	}
	if got := atomic.LoadInt64(&transportCalls); got != 1 {
		t.Errorf("Expected no retry of the unkeyed write, got %d attempts", got)
	}
}

func TestExecuteNetworkErrorRetriedForGET(t *testing.T) {
	var transportCalls int64
	failTransport := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		atomic.AddInt64(&transportCalls, 1)
		return nil, errors.New("connection refused")
	}

	client := New(
		WithBaseURL("https://api.touriquest.example"),
		WithRetryConfig(fastRetryConfig()),
		WithMiddleware(failTransport),
	)

	_, err := client.Get(context.Background(), "/properties/42")
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeNetwork {
		t.Fatalf("Expected network error after exhausting retries, got %v", err)
	}
	if got := atomic.LoadInt64(&transportCalls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestExecute401TriggersRefreshAndSingleReplay(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer v2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var refreshes int64
	provider := TokenProviderFunc(func(ctx context.Context) (Token, error) {
		if atomic.AddInt64(&refreshes, 1) == 1 {
			return Token{Value: "v1", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}
		return Token{Value: "v2", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	client := New(
		WithBaseURL(server.URL),
		WithAuth(provider, AuthConfig{}),
	)

	resp, err := client.Get(context.Background(), "/bookings")
	if err != nil {
		t.Fatalf("Expected success after token refresh, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("Expected exactly one replay, got %d calls", got)
	}
	if got := atomic.LoadInt64(&refreshes); got != 2 {
		t.Errorf("Expected one initial fetch plus one forced refresh, got %d", got)
	}
}

func TestExecutePersistent401IsAuthenticationError(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := TokenProviderFunc(func(ctx context.Context) (Token, error) {
		return Token{Value: "always-rejected", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	client := New(WithBaseURL(server.URL), WithAuth(provider, AuthConfig{}))

	_, err := client.Get(context.Background(), "/bookings")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected authentication error, got %v", err)
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("Expected exactly one replay before giving up, got %d calls", got)
	}
}

func TestExecuteBatchingMergesEligibleRequests(t *testing.T) {
	var batchHits, directHits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batch" {
			atomic.AddInt64(&directHits, 1)
			w.Write([]byte("ok"))
			return
		}
		atomic.AddInt64(&batchHits, 1)

		var envelope batchRequestEnvelope
		if err := readJSONBody(r, &envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := batchResponseEnvelope{}
		for _, sub := range envelope.Requests {
			out.Responses = append(out.Responses, batchResponseItem{ID: sub.ID, Status: 200, Body: []byte(`{}`)})
		}
		writeJSON(w, out)
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithBatching(BatchConfig{Window: 20 * time.Millisecond, MaxSize: 10, Path: "/batch"}),
	)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := NewRequest(http.MethodGet, "/properties/"+string(rune('a'+i)), AsBatchable())
			resp, err := client.Execute(context.Background(), d)
			if err != nil {
				t.Errorf("batched call failed: %v", err)
				return
			}
			if resp.StatusCode != 200 {
				t.Errorf("Expected 200, got %d", resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&batchHits); got != 1 {
		t.Errorf("Expected one merged batch call, got %d", got)
	}
	if got := atomic.LoadInt64(&directHits); got != 0 {
		t.Errorf("Expected no direct calls for batchable requests, got %d", got)
	}
}

func TestExecuteBatchTransientFailureRetriedNotAmbiguous(t *testing.T) {
	var batchHits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&batchHits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var envelope batchRequestEnvelope
		if err := readJSONBody(r, &envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := batchResponseEnvelope{}
		for _, sub := range envelope.Requests {
			out.Responses = append(out.Responses, batchResponseItem{ID: sub.ID, Status: 200, Body: []byte(`{}`)})
		}
		writeJSON(w, out)
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithRetryConfig(fastRetryConfig()),
		WithBatching(BatchConfig{Window: 10 * time.Millisecond, MaxSize: 10, Path: "/batch"}),
	)
	defer client.Close()

	d := NewRequest(http.MethodGet, "/properties/1", AsBatchable())
	resp, err := client.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("Expected the merged call to retry past 503, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt64(&batchHits); got != 2 {
		t.Errorf("Expected one retry of the merged call, got %d attempts", got)
	}
}

func TestExecuteRateLimitDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithRateLimiter(1, time.Hour),
	)

	if _, err := client.Get(context.Background(), "/properties/1"); err != nil {
		t.Fatalf("Expected first call within budget, got %v", err)
	}
	_, err := client.Get(context.Background(), "/properties/2")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected rate-limit error, got %v", err)
	}
}

func TestNewValidationFailure(t *testing.T) {
	client := New() // no base URL

	if client.IsValid() {
		t.Fatal("Expected invalid configuration without a base URL")
	}

	_, err := client.Execute(context.Background(), NewRequest(http.MethodGet, "/x"))
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeValidation {
		t.Errorf("Expected validation error from Execute, got %v", err)
	}
}

func TestExecuteCompressionRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithCompression())

	resp, err := client.Post(context.Background(), "/search", map[string]string{"city": "Marrakesh"},
		WithIdempotencyKey("search-1"))
	if err != nil {
		t.Fatalf("Expected compressed request accepted, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
