// Package touriquest provides the resilient API client core used by the
// TouriQuest travel-booking services (payments, bookings, properties,
// notifications). It turns a fallible, latency-variable network into
// bounded, observable operations behind a single Execute call:
//
//   - Retries with exponential backoff + jitter and a status allow-list
//   - Circuit breaker per endpoint class (closed / open / half-open)
//   - Bounded TTL + LRU response cache (in-memory or Redis-backed)
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Batching of eligible lookups into one merged transport call
//   - Bearer-token management with proactive, coalesced refresh
//   - Middleware chain for cross-cutting concerns
//   - Prometheus metrics and structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - No ambient singletons: cache, breakers and token state are owned by
//     the Client so tests can run isolated instances
//
// Typical usage:
//
//	client := touriquest.New(
//	    touriquest.WithBaseURL("https://api.touriquest.example"),
//	    touriquest.WithRetryConfig(touriquest.DefaultRetryConfig()),
//	    touriquest.WithCacheConfig(touriquest.CacheConfig{DefaultTTL: time.Minute, MaxSizeBytes: 8 << 20}),
//	    touriquest.WithMetrics(),
//	)
//	req := touriquest.NewRequest(http.MethodGet, "/properties/42", touriquest.AsCacheable())
//	resp, err := client.Execute(ctx, req)
//
// Transient failures are retried internally and never surfaced unless
// retries exhaust; circuit-open, authentication and ambiguous-outcome
// failures are always returned as typed *ClientError values.
package touriquest
