package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const confirmPath = "/api/v1/crash/alert"

// HTTPOptions parameterise the confirmation service client.
type HTTPOptions struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	UserAgent string
}

// HTTPOracle posts escalation requests to the cloud confirmation endpoint.
type HTTPOracle struct {
	opts    HTTPOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPOracle constructs the client.
func NewHTTPOracle(opts HTTPOptions, logger zerolog.Logger) *HTTPOracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "oracle_http").Logger(),
	}
}

// Confirm submits the request and decodes the verdict.
func (o *HTTPOracle) Confirm(ctx context.Context, req Request) (Verdict, error) {
	if o.baseURL == "" {
		return Verdict{}, fmt.Errorf("%w: base url not configured", ErrUnavailable)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal escalation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+confirmPath, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("create confirmation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if o.opts.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.opts.APIToken)
	}
	if ua := strings.TrimSpace(o.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	verdict, err := DecodeVerdict(payload)
	if err != nil {
		return Verdict{}, err
	}

	o.logger.Debug().Str("device_id", req.DeviceID).
		Bool("is_crash", verdict.IsCrash).
		Float64("confidence", verdict.Confidence).
		Msg("confirmation received")
	return verdict, nil
}

var _ Oracle = (*HTTPOracle)(nil)
