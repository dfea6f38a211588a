// Package flux talks to the Black Forest Labs asynchronous image-editing API.
package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imgstudio/internal/domain"
	"imgstudio/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("flux: api key is required")

const (
	defaultBaseURL   = "https://api.us1.bfl.ai/v1"
	defaultModel     = "flux-kontext-pro"
	defaultFillModel = "flux-pro-1.0-fill"
	maxErrorBody     = 2048

	// DefaultMaxResultBytes bounds a downloaded result image.
	DefaultMaxResultBytes = 32 << 20
)

// Options configures the BFL client.
type Options struct {
	APIKey          string
	BaseURL         string
	Model           string
	FillModel       string
	SafetyTolerance int
	OutputFormat    string
	PostTimeout     time.Duration
	GetTimeout      time.Duration
	MaxResultBytes  int64
	HTTPClient      *http.Client
	Logger          *infra.Logger
}

// Client submits, polls and downloads FLUX jobs.
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	fillModel       string
	safetyTolerance int
	outputFormat    string
	postTimeout     time.Duration
	getTimeout      time.Duration
	maxResult       int64
	httpClient      *http.Client
	logger          *infra.Logger
}

type kontextRequest struct {
	Prompt          string `json:"prompt"`
	InputImage      string `json:"input_image"`
	Seed            *int64 `json:"seed,omitempty"`
	SafetyTolerance int    `json:"safety_tolerance"`
	OutputFormat    string `json:"output_format"`
}

type fillRequest struct {
	Prompt          string `json:"prompt"`
	Image           string `json:"image"`
	Mask            string `json:"mask"`
	Seed            *int64 `json:"seed,omitempty"`
	SafetyTolerance int    `json:"safety_tolerance"`
	OutputFormat    string `json:"output_format"`
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type resultResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result *struct {
		Sample  string `json:"sample"`
		Message string `json:"message"`
	} `json:"result"`
	Details map[string]any `json:"details"`
}

// NewClient constructs a client with defaults for every unset option.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	fillModel := strings.TrimSpace(opts.FillModel)
	if fillModel == "" {
		fillModel = defaultFillModel
	}
	format := strings.ToLower(strings.TrimSpace(opts.OutputFormat))
	if format != "png" {
		format = "jpeg"
	}
	tolerance := opts.SafetyTolerance
	if tolerance < 0 || tolerance > 6 {
		tolerance = 2
	}
	postTimeout := opts.PostTimeout
	if postTimeout <= 0 {
		postTimeout = 30 * time.Second
	}
	getTimeout := opts.GetTimeout
	if getTimeout <= 0 {
		getTimeout = 10 * time.Second
	}
	maxResult := opts.MaxResultBytes
	if maxResult <= 0 {
		maxResult = DefaultMaxResultBytes
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &Client{
		apiKey:          strings.TrimSpace(opts.APIKey),
		baseURL:         baseURL,
		model:           model,
		fillModel:       fillModel,
		safetyTolerance: tolerance,
		outputFormat:    format,
		postTimeout:     postTimeout,
		getTimeout:      getTimeout,
		maxResult:       maxResult,
		httpClient:      httpClient,
		logger:          logger,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit starts one generation job. It is never retried here.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (domain.JobHandle, error) {
	if !c.HasCredentials() {
		return domain.JobHandle{}, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return domain.JobHandle{}, errors.New("flux: prompt is required")
	}
	if len(req.Image) == 0 {
		return domain.JobHandle{}, errors.New("flux: input image is required")
	}

	seed := req.Seed
	var (
		endpoint string
		payload  any
	)
	if req.Mode == domain.EditModeMasked {
		if len(req.Mask) == 0 {
			return domain.JobHandle{}, errors.New("flux: mask is required for masked mode")
		}
		endpoint = c.baseURL + "/" + c.fillModel
		payload = fillRequest{
			Prompt:          prompt,
			Image:           base64.StdEncoding.EncodeToString(req.Image),
			Mask:            base64.StdEncoding.EncodeToString(req.Mask),
			Seed:            &seed,
			SafetyTolerance: c.safetyTolerance,
			OutputFormat:    c.outputFormat,
		}
	} else {
		endpoint = c.baseURL + "/" + c.model
		payload = kontextRequest{
			Prompt:          prompt,
			InputImage:      base64.StdEncoding.EncodeToString(req.Image),
			Seed:            &seed,
			SafetyTolerance: c.safetyTolerance,
			OutputFormat:    c.outputFormat,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("flux: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.postTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("flux: build request: %w", err)
	}
	httpReq.Header.Set("accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("flux: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.JobHandle{}, fmt.Errorf("flux: submit: %w", statusError(resp))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.JobHandle{}, fmt.Errorf("flux: decode submit response: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return domain.JobHandle{}, errors.New("flux: submit response missing id")
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Int("attempt", req.Index).
		Str("job_id", out.ID).
		Msg("flux: job submitted")
	return domain.JobHandle{ID: out.ID, PollingURL: out.PollingURL}, nil
}

// Status performs one poll of a submitted job.
func (c *Client) Status(ctx context.Context, handle domain.JobHandle) (domain.JobStatus, error) {
	if !c.HasCredentials() {
		return domain.JobStatus{}, ErrMissingAPIKey
	}
	endpoint := strings.TrimSpace(handle.PollingURL)
	if endpoint == "" {
		endpoint = c.baseURL + "/get_result?id=" + url.QueryEscape(handle.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.getTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.JobStatus{}, fmt.Errorf("flux: build request: %w", err)
	}
	httpReq.Header.Set("accept", "application/json")
	httpReq.Header.Set("x-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.JobStatus{}, fmt.Errorf("flux: status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.JobStatus{}, fmt.Errorf("flux: status: %w", statusError(resp))
	}

	var out resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.JobStatus{}, fmt.Errorf("flux: decode status response: %w", err)
	}

	status := domain.JobStatus{State: NormalizeState(out.Status)}
	if out.Result != nil {
		status.Message = out.Result.Message
		if status.State == domain.JobReady {
			status.ResultRef = out.Result.Sample
		}
	}
	if status.State == domain.JobReady && status.ResultRef == "" {
		return domain.JobStatus{}, errors.New("flux: ready response missing result sample")
	}
	if status.Message == "" && status.State.Terminal() && status.State != domain.JobReady {
		status.Message = out.Status
	}
	return status, nil
}

// Fetch downloads a ready result from its signed URL. Expired URLs yield
// domain.ErrResultExpired. Bodies larger than MaxResultBytes are refused.
func (c *Client) Fetch(ctx context.Context, resultRef string) ([]byte, string, error) {
	resultRef = strings.TrimSpace(resultRef)
	if resultRef == "" {
		return nil, "", errors.New("flux: result url is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.postTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resultRef, nil)
	if err != nil {
		return nil, "", fmt.Errorf("flux: build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("flux: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return nil, "", fmt.Errorf("flux: fetch: http %d: %w", resp.StatusCode, domain.ErrResultExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("flux: fetch: %w", statusError(resp))
	}

	if resp.ContentLength > c.maxResult {
		return nil, "", fmt.Errorf("flux: result is %d bytes, limit %d", resp.ContentLength, c.maxResult)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResult+1))
	if err != nil {
		return nil, "", fmt.Errorf("flux: read result: %w", err)
	}
	if int64(len(data)) > c.maxResult {
		return nil, "", fmt.Errorf("flux: result exceeds %d bytes", c.maxResult)
	}
	if len(data) == 0 {
		return nil, "", errors.New("flux: empty result body")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// NormalizeState maps the backend's status labels onto domain.JobState.
func NormalizeState(status string) domain.JobState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ready":
		return domain.JobReady
	case "content moderated":
		return domain.JobContentModerated
	case "request moderated":
		return domain.JobRequestModerated
	case "error", "failed", "task not found":
		return domain.JobError
	case "processing", "running":
		return domain.JobProcessing
	default:
		// Queued, Pending and unknown labels keep polling.
		return domain.JobQueued
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("http %d: %s: %w", resp.StatusCode, msg, domain.ErrBackendUnavailable)
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
}
