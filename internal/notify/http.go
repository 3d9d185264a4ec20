package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
)

// httpEmitter POSTs run events to a webhook, with a local spool as backup
// when one is configured.
type httpEmitter struct {
	cfg        Config
	client     *http.Client
	spool      *fileEmitter
	retryDelay time.Duration
	logger     *slog.Logger
}

func newHTTPEmitter(cfg Config) *httpEmitter {
	e := &httpEmitter{
		cfg:        cfg,
		client:     &http.Client{Timeout: 30 * time.Second},
		retryDelay: time.Second,
		logger:     logging.Component("notify"),
	}
	if cfg.SpoolDir != "" {
		e.spool = &fileEmitter{dir: cfg.SpoolDir}
	}
	return e
}

func (e *httpEmitter) EmitRun(ctx context.Context, evt Event) error {
	evt.EventType = "po_ingest_run"
	evt.EventID = uuid.NewString()
	evt.Timestamp = time.Now().UTC()

	// Spool first so the event survives webhook outages.
	if e.spool != nil {
		if err := e.spool.EmitRun(ctx, evt); err != nil {
			e.logger.Warn("spool failed", "error", err)
		}
	}
	return e.postWithRetry(ctx, evt)
}

func (e *httpEmitter) postWithRetry(ctx context.Context, evt Event) error {
	var lastErr error
	delay := e.retryDelay
	for attempt := 1; attempt <= 3; attempt++ {
		if err := e.post(ctx, evt); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < 3 {
			e.logger.Warn("webhook post failed", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("webhook emit failed: %w", lastErr)
}

func (e *httpEmitter) post(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (e *httpEmitter) Close() error { return nil }
