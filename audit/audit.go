// Package audit captures one record per SCIM request. Records are buffered
// in memory and flushed to the store in batches off the request path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pranems/scimserver/store"
)

const (
	flushInterval = 2 * time.Second
	batchSize     = 50
	maxBodyBytes  = 64 * 1024
)

// redactedHeaders never reach storage in clear text.
var redactedHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"x-api-key":           true,
	"proxy-authorization": true,
}

// redactedFields are payload attributes scrubbed from captured bodies.
var redactedFields = map[string]bool{
	"password": true,
}

// Sink buffers audit records and flushes them in batches.
type Sink struct {
	store  *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	buf []store.AuditRecord

	kick    chan struct{}
	done    chan struct{}
	closing sync.Once
	wg      sync.WaitGroup
}

// NewSink creates a sink and starts its background flusher.
func NewSink(st *store.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sink{
		store:  st,
		logger: logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues one audit record. It never blocks the request path.
func (s *Sink) Record(rec store.AuditRecord) {
	s.mu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the flusher and drains whatever is buffered. Safe to call
// more than once; later calls flush again but do not restart the flusher.
func (s *Sink) Close(ctx context.Context) error {
	s.closing.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.flush(ctx)
}

func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.flush(ctx); err != nil {
			s.logger.Error("audit flush failed", "error", err)
		}
		cancel()
	}
}

func (s *Sink) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.store.InsertAuditRecords(ctx, batch)
}

// RedactHeaders serializes request headers with credential-bearing values
// masked.
func RedactHeaders(h http.Header) string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
		} else {
			out[k] = strings.Join(v, ", ")
		}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// RedactBody scrubs sensitive attributes from a captured JSON body.
// Non-JSON bodies are truncated and stored as-is.
func RedactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return string(body)
	}
	redactMap(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		return string(body)
	}
	return string(data)
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if redactedFields[strings.ToLower(k)] {
			m[k] = "[REDACTED]"
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			redactMap(t)
		case []any:
			for _, elem := range t {
				if em, ok := elem.(map[string]any); ok {
					redactMap(em)
				}
			}
		}
	}
}
