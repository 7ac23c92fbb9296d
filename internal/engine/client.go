// Package engine is the HTTP client for the orchestration engine API. It
// carries the liveness channel (heartbeats), the cancellation channel and
// the job lookup used by remote backend construction.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

// Client communicates with the orchestration engine on behalf of attempts.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	token        string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates an engine client. When cfg.OAuth2 is set, requests are
// authorized with a client-credentials token source; otherwise cfg.Token is
// sent as a bearer token if present.
func NewClient(cfg config.EngineConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := cfg.CancelPollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	if o := cfg.OAuth2; o != nil {
		cc := clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout, Transport: transport})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		httpClient:   httpClient,
		token:        cfg.Token,
		pollInterval: poll,
		logger:       logger.With("component", "engine-client"),
	}
}

// Heartbeat sends a liveness signal for the attempt. The ack tells the
// caller whether the engine wants the attempt cancelled.
func (c *Client) Heartbeat(ctx context.Context, id model.JobRunIdentity) (model.HeartbeatAck, error) {
	var ack model.HeartbeatAck
	if err := c.do(ctx, http.MethodPut, attemptPath(id)+"/heartbeat", nil, &ack); err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return ack, nil
}

// GetJob fetches job information.
func (c *Client) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", jobID), nil, &job); err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return &job, nil
}

// GetJobScope returns the scope identifier the job belongs to.
func (c *Client) GetJobScope(ctx context.Context, jobID int64) (string, error) {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Scope == "" {
		return "", fmt.Errorf("get job %d: empty scope", jobID)
	}
	return job.Scope, nil
}

// CreateJob registers a job under scope and returns it.
func (c *Client) CreateJob(ctx context.Context, scope string) (*model.Job, error) {
	body, err := json.Marshal(map[string]string{"scope": scope})
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &job, nil
}

// GetAttempt fetches the engine's record of an attempt.
func (c *Client) GetAttempt(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	if err := c.do(ctx, http.MethodGet, attemptPath(id), nil, &rec); err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", id, err)
	}
	return &rec, nil
}

// ListAttempts returns every attempt the engine knows for jobID, ordered
// by attempt number.
func (c *Client) ListAttempts(ctx context.Context, jobID int64) ([]*model.AttemptRecord, error) {
	var recs []*model.AttemptRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/attempts", jobID), nil, &recs); err != nil {
		return nil, fmt.Errorf("list attempts of job %d: %w", jobID, err)
	}
	return recs, nil
}

// RequestCancel asks the engine to cancel an attempt.
func (c *Client) RequestCancel(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	if err := c.do(ctx, http.MethodPut, attemptPath(id)+"/cancel", nil, &rec); err != nil {
		return nil, fmt.Errorf("cancel attempt %s: %w", id, err)
	}
	return &rec, nil
}

// RecordAttempt upserts the attempt record on the engine.
func (c *Client) RecordAttempt(ctx context.Context, rec *model.AttemptRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, attemptPath(rec.Identity()), body, nil); err != nil {
		return fmt.Errorf("record attempt %s: %w", rec.Identity(), err)
	}
	return nil
}

// WatchCancel polls the attempt record until ctx is done and calls notify
// every time the engine reports a cancellation request. Poll failures are
// logged and retried on the next tick.
func (c *Client) WatchCancel(ctx context.Context, id model.JobRunIdentity, notify func()) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := c.GetAttempt(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("cancel poll failed", "attempt", id, "error", err)
				}
				continue
			}
			if rec.CancelRequested {
				notify()
			}
		}
	}
}

func attemptPath(id model.JobRunIdentity) string {
	return fmt.Sprintf("/api/v1/jobs/%d/attempts/%d", id.JobID, id.AttemptNumber)
}

// do executes a request and decodes the envelope's data field into dest
// (when dest is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}

// IsNotFound reports whether err is the engine's NOT_FOUND error.
func IsNotFound(err error) bool {
	return model.HasCode(err, model.ErrNotFound)
}
