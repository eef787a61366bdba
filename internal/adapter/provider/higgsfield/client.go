// Package higgsfield implements the normalized provider adapter over the
// Higgsfield generation API. Upstream idiosyncrasies (status label variants,
// alternate result field names) stop here; callers only ever see the closed
// status set and typed errors.
package higgsfield

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/driftwave/mediagen/internal/config"
	"github.com/driftwave/mediagen/internal/domain"
)

// Client implements domain.Provider against the Higgsfield HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	secret  string
	hc      *http.Client
}

// New constructs a provider client. A single client (and its connection pool)
// is shared per process; per-call deadlines come from the caller's context.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.HiggsfieldBase, "/"),
		apiKey:  cfg.HiggsfieldAPIKey,
		secret:  cfg.HiggsfieldSecret,
		hc: &http.Client{
			Timeout:   cfg.ProviderCallTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("hf-api-key", c.apiKey)
	req.Header.Set("hf-secret", c.secret)
	req.Header.Set("Content-Type", "application/json")
}

// StartGeneration submits a generation request and returns the provider's job
// set id.
func (c *Client) StartGeneration(ctx domain.Context, modelKey string, params map[string]any, prompt string) (string, error) {
	tracer := otel.Tracer("provider.higgsfield")
	ctx, span := tracer.Start(ctx, "StartGeneration")
	defer span.End()
	span.SetAttributes(attribute.String("model_key", modelKey))

	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["prompt"] = prompt
	body, err := json.Marshal(map[string]any{"params": merged})
	if err != nil {
		return "", &domain.ProviderError{Code: domain.CodeInternalError, Message: err.Error()}
	}

	url := fmt.Sprintf("%s/v1/models/%s/generate", c.baseURL, modelKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &domain.ProviderError{Code: domain.CodeInternalError, Message: err.Error()}
	}
	c.headers(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", &domain.ProviderError{Code: domain.CodeNetworkError, Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if perr := classifyStart(resp); perr != nil {
		return "", perr
	}

	var data struct {
		JobSetID string `json:"job_set_id"`
		ID       string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", &domain.ProviderError{Code: domain.CodeInvalidResponse, Message: "malformed start response: " + err.Error()}
	}
	id := data.JobSetID
	if id == "" {
		id = data.ID
	}
	if id == "" {
		return "", &domain.ProviderError{Code: domain.CodeInvalidResponse, Message: "no job_set_id in response"}
	}
	slog.Debug("generation started", slog.String("job_set_id", id), slog.String("model_key", modelKey))
	return id, nil
}

// GetJobSet polls a job set and returns the normalized view.
func (c *Client) GetJobSet(ctx domain.Context, jobSetID string) (domain.JobSet, error) {
	tracer := otel.Tracer("provider.higgsfield")
	ctx, span := tracer.Start(ctx, "GetJobSet")
	defer span.End()
	span.SetAttributes(attribute.String("job_set_id", jobSetID))

	url := fmt.Sprintf("%s/v1/job-sets/%s", c.baseURL, jobSetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.JobSet{}, &domain.ProviderError{Code: domain.CodeInternalError, Message: err.Error()}
	}
	c.headers(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.JobSet{}, &domain.ProviderError{Code: domain.CodeNetworkError, Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if perr := classifyPoll(resp); perr != nil {
		return domain.JobSet{}, perr
	}

	var data jobSetPayload
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.JobSet{}, &domain.ProviderError{Code: domain.CodeInvalidResponse, Message: "malformed job set response: " + err.Error()}
	}
	return normalize(data), nil
}

func classifyStart(resp *http.Response) *domain.ProviderError {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.ProviderError{Code: domain.CodeRateLimited, Message: "rate limited by provider", Retryable: true}
	case resp.StatusCode == http.StatusBadRequest:
		return &domain.ProviderError{Code: domain.CodeInvalidParams, Message: "invalid params: " + readSnippet(resp.Body, 512)}
	case resp.StatusCode >= 500:
		return &domain.ProviderError{Code: domain.CodeProviderServerError, Message: fmt.Sprintf("provider server error: %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		return &domain.ProviderError{Code: domain.CodeProviderError, Message: fmt.Sprintf("provider error: %d - %s", resp.StatusCode, readSnippet(resp.Body, 512))}
	}
	return nil
}

func classifyPoll(resp *http.Response) *domain.ProviderError {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.ProviderError{Code: domain.CodeRateLimited, Message: "rate limited by provider", Retryable: true}
	case resp.StatusCode == http.StatusNotFound:
		return &domain.ProviderError{Code: domain.CodeJobNotFound, Message: "job set not found"}
	case resp.StatusCode >= 500:
		return &domain.ProviderError{Code: domain.CodeProviderServerError, Message: fmt.Sprintf("provider server error: %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		return &domain.ProviderError{Code: domain.CodeProviderError, Message: fmt.Sprintf("provider error: %d - %s", resp.StatusCode, readSnippet(resp.Body, 512))}
	}
	return nil
}

type jobSetPayload struct {
	Status  string          `json:"status"`
	Results []resultPayload `json:"results"`
	Outputs []resultPayload `json:"outputs"`
}

type resultPayload struct {
	Type         string `json:"type"`
	MinURL       string `json:"min_url"`
	RawURL       string `json:"raw_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	URL          string `json:"url"`
}

// statusMap collapses upstream status label variants into the closed set.
// Unknown labels are treated as queued.
var statusMap = map[string]domain.ProviderStatus{
	"queued":      domain.ProviderQueued,
	"pending":     domain.ProviderQueued,
	"processing":  domain.ProviderProcessing,
	"running":     domain.ProviderProcessing,
	"in_progress": domain.ProviderProcessing,
	"completed":   domain.ProviderCompleted,
	"succeeded":   domain.ProviderCompleted,
	"success":     domain.ProviderCompleted,
	"failed":      domain.ProviderFailed,
	"error":       domain.ProviderFailed,
}

func normalize(data jobSetPayload) domain.JobSet {
	status, ok := statusMap[strings.ToLower(data.Status)]
	if !ok {
		status = domain.ProviderQueued
	}
	js := domain.JobSet{Status: status}
	if status != domain.ProviderCompleted {
		return js
	}
	raw := data.Results
	if len(raw) == 0 {
		raw = data.Outputs
	}
	for _, r := range raw {
		typ := r.Type
		if typ == "" {
			typ = "image"
		}
		minURL := r.MinURL
		if minURL == "" {
			minURL = r.ThumbnailURL
		}
		if minURL == "" {
			minURL = r.URL
		}
		rawURL := r.RawURL
		if rawURL == "" {
			rawURL = r.URL
		}
		js.Results = append(js.Results, domain.OutputURLs{Type: typ, MinURL: minURL, RawURL: rawURL})
	}
	return js
}

func readSnippet(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}
