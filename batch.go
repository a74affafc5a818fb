package touriquest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchConfig configures request batching.
type BatchConfig struct {
	// Window is how long the first enqueued request waits for companions
	// before the batch is flushed. Default 10ms.
	Window time.Duration
	// MaxSize flushes the batch immediately once this many requests are
	// queued. Default 16.
	MaxSize int
	// Path is the server endpoint accepting merged batch envelopes.
	// Default "/batch".
	Path string
	// Timeout bounds one merged batch call. Default 30 seconds.
	Timeout time.Duration
}

// DefaultBatchConfig returns the default batching configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Window:  10 * time.Millisecond,
		MaxSize: 16,
		Path:    "/batch",
		Timeout: 30 * time.Second,
	}
}

// Batch envelope wire format. Each sub-request carries a correlation id the
// server echoes back on the matching sub-response.
type batchRequestItem struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchRequestEnvelope struct {
	Requests []batchRequestItem `json:"requests"`
}

type batchResponseItem struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type batchResponseEnvelope struct {
	Responses []batchResponseItem `json:"responses"`
}

type batchItem struct {
	id         string
	descriptor *RequestDescriptor
	resp       *Response
	err        error
	done       chan struct{}
}

type batchQueue struct {
	class string
	items []*batchItem
	timer *time.Timer
}

// BatchScheduler collects batchable requests per endpoint class and flushes
// them as one merged call when the batching window elapses or the queue
// reaches its maximum size. Results are demultiplexed back to the individual
// callers by correlation id.
type BatchScheduler struct {
	config  BatchConfig
	submit  func(ctx context.Context, d *RequestDescriptor) (*Response, error)
	logger  Logger
	metrics *MetricsCollector

	mu     sync.Mutex
	queues map[string]*batchQueue
	closed bool
}

// NewBatchScheduler creates a scheduler that dispatches merged calls through
// submit, which is expected to apply the usual reliability layers.
func NewBatchScheduler(config BatchConfig, submit func(ctx context.Context, d *RequestDescriptor) (*Response, error)) *BatchScheduler {
	defaults := DefaultBatchConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &BatchScheduler{
		config: config,
		submit: submit,
		queues: make(map[string]*batchQueue),
	}
}

func (s *BatchScheduler) setObservers(logger Logger, metrics *MetricsCollector) {
	s.logger = logger
	s.metrics = metrics
}

// Enqueue adds the request to the batch queue for class and blocks until its
// sub-response arrives or ctx is cancelled. Cancellation abandons only this
// caller; the batch itself still completes for the other participants.
func (s *BatchScheduler) Enqueue(ctx context.Context, d *RequestDescriptor, class string) (*Response, error) {
	if len(d.Body) > 0 && !json.Valid(d.Body) {
		return nil, &ClientError{
			Type:    ErrorTypeValidation,
			Message: "batchable request body must be valid JSON",
			Method:  d.Method,
			URL:     d.Path,
		}
	}

	item := &batchItem{
		id:         uuid.NewString(),
		descriptor: d,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &ClientError{
			Type:    ErrorTypeValidation,
			Message: "batch scheduler is closed",
			Method:  d.Method,
			URL:     d.Path,
		}
	}

	queue, exists := s.queues[class]
	if !exists {
		queue = &batchQueue{class: class}
		queue.timer = time.AfterFunc(s.config.Window, func() {
			s.flushClass(class, "window")
		})
		s.queues[class] = queue
	}
	queue.items = append(queue.items, item)

	var full []*batchItem
	if len(queue.items) >= s.config.MaxSize {
		full = s.takeLocked(class)
	}
	s.mu.Unlock()

	if full != nil {
		go s.dispatch(class, "size", full)
	}

	select {
	case <-item.done:
		return item.resp, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush immediately dispatches every queued batch. Used on shutdown so no
// caller is left waiting for a window that will never fire.
func (s *BatchScheduler) Flush() {
	s.mu.Lock()
	classes := make([]string, 0, len(s.queues))
	for class := range s.queues {
		classes = append(classes, class)
	}
	batches := make(map[string][]*batchItem, len(classes))
	for _, class := range classes {
		if items := s.takeLocked(class); items != nil {
			batches[class] = items
		}
	}
	s.mu.Unlock()

	for class, items := range batches {
		go s.dispatch(class, "shutdown", items)
	}
}

// Close flushes pending batches and rejects further enqueues.
func (s *BatchScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush()
}

func (s *BatchScheduler) flushClass(class, reason string) {
	s.mu.Lock()
	items := s.takeLocked(class)
	s.mu.Unlock()

	if items != nil {
		s.dispatch(class, reason, items)
	}
}

// takeLocked removes and returns the queued items for class. Callers must
// hold s.mu.
func (s *BatchScheduler) takeLocked(class string) []*batchItem {
	queue, exists := s.queues[class]
	if !exists || len(queue.items) == 0 {
		delete(s.queues, class)
		return nil
	}
	delete(s.queues, class)
	queue.timer.Stop()
	return queue.items
}

// dispatch sends one merged call and fans the sub-responses back out. A
// whole-call failure fails every participant with the same error.
func (s *BatchScheduler) dispatch(class, reason string, items []*batchItem) {
	s.metrics.RecordBatchFlush(class, reason, len(items))
	if s.logger != nil {
		s.logger.Debug("flushing batch", "class", class, "reason", reason, "size", len(items))
	}

	envelope := batchRequestEnvelope{Requests: make([]batchRequestItem, 0, len(items))}
	for _, item := range items {
		sub := batchRequestItem{
			ID:     item.id,
			Method: item.descriptor.Method,
			Path:   item.descriptor.Path,
			Query:  item.descriptor.Query.Encode(),
		}
		if len(item.descriptor.Body) > 0 {
			sub.Body = json.RawMessage(item.descriptor.Body)
		}
		if len(item.descriptor.Header) > 0 {
			sub.Headers = make(map[string]string, len(item.descriptor.Header))
			for key := range item.descriptor.Header {
				sub.Headers[key] = item.descriptor.Header.Get(key)
			}
		}
		envelope.Requests = append(envelope.Requests, sub)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		s.settleAll(items, nil, &ClientError{
			Type:    ErrorTypeBatch,
			Message: "failed to encode batch envelope",
			Cause:   err,
		})
		return
	}

	// The envelope carries an idempotency key so a merged call that fails
	// mid-flight is retried like any idempotent request instead of being
	// reported as an ambiguous outcome to read-only participants.
	merged := NewRequest(http.MethodPost, s.config.Path,
		WithRequestBody(payload),
		WithRequestHeader("Content-Type", "application/json"),
		WithIdempotencyKey(uuid.NewString()),
	)

	// The merged call outlives any individual caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	resp, err := s.submit(ctx, merged)
	if err != nil {
		s.settleAll(items, nil, err)
		return
	}

	var responses batchResponseEnvelope
	if err := json.Unmarshal(resp.Body, &responses); err != nil {
		s.settleAll(items, nil, &ClientError{
			Type:       ErrorTypeBatch,
			Message:    "failed to decode batch envelope",
			Cause:      err,
			StatusCode: resp.StatusCode,
		})
		return
	}

	byID := make(map[string]*batchResponseItem, len(responses.Responses))
	for i := range responses.Responses {
		byID[responses.Responses[i].ID] = &responses.Responses[i]
	}

	for _, item := range items {
		sub, found := byID[item.id]
		if !found {
			s.settle(item, nil, &ClientError{
				Type:    ErrorTypeBatch,
				Message: fmt.Sprintf("batch response missing sub-response %s", item.id),
				Method:  item.descriptor.Method,
				URL:     item.descriptor.Path,
			})
			continue
		}

		header := http.Header{}
		for key, value := range sub.Headers {
			header.Set(key, value)
		}
		subResp := &Response{
			StatusCode: sub.Status,
			Header:     header,
			Body:       []byte(sub.Body),
		}

		if sub.Status >= 400 {
			s.settle(item, subResp, &ClientError{
				Type:       ErrorTypeHTTP,
				Message:    fmt.Sprintf("HTTP %d within batch", sub.Status),
				Method:     item.descriptor.Method,
				URL:        item.descriptor.Path,
				StatusCode: sub.Status,
			})
			continue
		}
		s.settle(item, subResp, nil)
	}
}

func (s *BatchScheduler) settleAll(items []*batchItem, resp *Response, err error) {
	for _, item := range items {
		s.settle(item, resp, err)
	}
}

func (s *BatchScheduler) settle(item *batchItem, resp *Response, err error) {
	item.resp = resp
	item.err = err
	close(item.done)
}
