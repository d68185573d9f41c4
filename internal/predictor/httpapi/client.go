// Package httpapi is the HTTP client for the external prediction service.
//
// The service exposes two endpoints:
//
//	POST {base}/v1/batches       {"model": "...", "items": [{"item_id","text"}]} -> {"batch_id": "..."}
//	GET  {base}/v1/batches/{id}  -> {"status": "...", "predictions": [...], "error": "..."}
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/policy/ratelimit"
)

const maxErrorBody = 4 << 10

// Config configures the client.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// Client implements analysis.Predictor over HTTP.
type Client struct {
	base       *url.URL
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

var _ analysis.Predictor = (*Client)(nil)

// New constructs a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("predictor base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse predictor base_url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:       base,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpClient,
		limiter:    ratelimit.New(ratelimit.Config{RPS: cfg.RequestsPerSecond, Burst: cfg.Burst}),
		logger:     logger.Named("predictor"),
	}, nil
}

type submitItem struct {
	ItemID string `json:"item_id"`
	Text   string `json:"text"`
}

type submitRequest struct {
	Model    string       `json:"model,omitempty"`
	JobID    string       `json:"job_id,omitempty"`
	Items    []submitItem `json:"items"`
	Metadata struct {
		BatchIndex int `json:"batch_index"`
	} `json:"metadata"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

type resultResponse struct {
	Status      string `json:"status"`
	Predictions []struct {
		ItemID string  `json:"item_id"`
		Label  string  `json:"label"`
		Score  float64 `json:"score"`
	} `json:"predictions"`
	Model string `json:"model,omitempty"`
	Error string `json:"error,omitempty"`
}

// SubmitBatch implements analysis.Predictor.
func (c *Client) SubmitBatch(ctx context.Context, batch analysis.Batch) (string, error) {
	body := submitRequest{Model: batch.Model, JobID: batch.JobID}
	if body.Model == "" {
		body.Model = c.model
	}
	body.Metadata.BatchIndex = batch.Index
	body.Items = make([]submitItem, len(batch.Items))
	for i, item := range batch.Items {
		body.Items[i] = submitItem{ItemID: item.ID, Text: item.Text}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	var out submitResponse
	endpoint := c.base.JoinPath("v1", "batches").String()
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &out); err != nil {
		return "", err
	}
	if out.BatchID == "" {
		return "", apperr.New(apperr.KindNetwork, apperr.ReasonInvalidResponse, "submit batch", "response carried no batch_id")
	}
	c.logger.Debug("batch submitted", zap.String("job_id", batch.JobID), zap.Int("batch", batch.Index),
		zap.String("batch_id", out.BatchID), zap.Int("items", len(batch.Items)))
	return out.BatchID, nil
}

// BatchResult implements analysis.Predictor.
func (c *Client) BatchResult(ctx context.Context, batchID string) (analysis.BatchResult, error) {
	var out resultResponse
	endpoint := c.base.JoinPath("v1", "batches", batchID).String()
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return analysis.BatchResult{}, err
	}
	res := analysis.BatchResult{Error: out.Error}
	switch strings.ToLower(out.Status) {
	case "succeeded", "completed":
		res.Status = analysis.BatchSucceeded
	case "failed", "cancelled", "expired":
		res.Status = analysis.BatchFailed
	case "running", "in_progress":
		res.Status = analysis.BatchRunning
	default:
		res.Status = analysis.BatchPending
	}
	for _, p := range out.Predictions {
		res.Predictions = append(res.Predictions, analysis.Prediction{
			ItemID: p.ItemID,
			Label:  p.Label,
			Score:  p.Score,
			Model:  out.Model,
		})
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	op := strings.ToLower(method) + " " + c.base.Host
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return apperr.Network(apperr.ReasonTimeout, op, endpoint, err)
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e := apperr.InvalidResponse(op, endpoint, resp.StatusCode)
		e.Detail = strings.TrimSpace(string(snippet))
		if resp.StatusCode == http.StatusTooManyRequests {
			e.RetryAfter = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			c.limiter.Pause(endpoint, e.RetryAfter)
		}
		return e
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Network(apperr.ReasonInvalidResponse, op, endpoint, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyTransportError(op, endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Network(apperr.ReasonTimeout, op, endpoint, err)
	}
	return apperr.Network(apperr.ReasonConnectionFailed, op, endpoint, err)
}
