package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/browserstep/pkg/types"
)

// AccountingOptions are the defaults for usage reports. Credentials passed to
// check take precedence.
type AccountingOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Usage is the body of a usage report.
type Usage struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	Commands    int               `json:"commands"`
	Pages       int               `json:"pages"`
	DurationMS  int64             `json:"duration_ms"`
	Released    bool              `json:"released"`
}

// Reporter sends usage reports in the background. A failed report is logged
// and never surfaces to the execution.
type Reporter struct {
	opts   AccountingOptions
	client *http.Client
	wg     sync.WaitGroup
}

// NewReporter creates a reporter using client for requests.
func NewReporter(opts AccountingOptions, client *http.Client) *Reporter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Reporter{opts: opts, client: client}
}

// Report sends usage asynchronously. Without a base URL it does nothing.
func (r *Reporter) Report(usage Usage, creds types.Credentials) {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = r.opts.BaseURL
	}
	apiKey := creds.APIKey
	if apiKey == "" {
		apiKey = r.opts.APIKey
	}
	if baseURL == "" {
		debugLog.Debugf("Usage reporting disabled for %s", usage.ExecutionID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.send(baseURL, apiKey, usage); err != nil {
			accountingReports.WithLabelValues("failed").Inc()
			debugLog.Warnw("Usage report failed",
				"execution_id", usage.ExecutionID, "kind", types.KindAccounting, "error", err)
			return
		}
		accountingReports.WithLabelValues("sent").Inc()
	}()
}

func (r *Reporter) send(baseURL, apiKey string, usage Usage) error {
	body, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/executions/" + url.PathEscape(string(usage.ExecutionID)) + "/usage"
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("usage endpoint returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until pending reports finish or ctx ends.
func (r *Reporter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pending usage reports: %w", ctx.Err())
	}
}
