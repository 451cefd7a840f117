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

	"crash-sentry/internal/calc"
)

const (
	defaultGenerativeBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	promptContextReadings    = 10
)

// GenerativeOptions parameterise the generative-model client.
type GenerativeOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GenerativeOracle asks a hosted generative model to classify the event.
type GenerativeOracle struct {
	opts    GenerativeOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewGenerativeOracle constructs the client.
func NewGenerativeOracle(opts GenerativeOptions, logger zerolog.Logger) *GenerativeOracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGenerativeBaseURL
	}
	return &GenerativeOracle{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "oracle_generative").Str("model", opts.Model).Logger(),
	}
}

// Confirm renders the analysis prompt and parses the model's JSON answer.
func (o *GenerativeOracle) Confirm(ctx context.Context, req Request) (Verdict, error) {
	if o.opts.APIKey == "" {
		return Verdict{}, fmt.Errorf("%w: api key not configured", ErrUnavailable)
	}
	if o.opts.Model == "" {
		return Verdict{}, fmt.Errorf("%w: model not configured", ErrUnavailable)
	}

	prompt := BuildPrompt(req)
	payload := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{ResponseMIMEType: "application/json", Temperature: 0.1},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", o.baseURL, o.opts.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", o.opts.APIKey)

	o.logger.Info().Str("device_id", req.DeviceID).
		Int("context_readings", len(req.ContextWindow)).
		Int("context_seconds", req.ContextSeconds).
		Int("prompt_length", len(prompt)).
		Msg("requesting crash analysis")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var res generateResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode envelope: %v", ErrMalformedVerdict, err)
	}
	text := res.text()
	if text == "" {
		return Verdict{}, fmt.Errorf("%w: empty model response", ErrMalformedVerdict)
	}

	verdict, err := DecodeVerdict([]byte(stripCodeFence(text)))
	if err != nil {
		o.logger.Warn().Err(err).Str("response_preview", preview(text, 200)).Msg("unparseable model response")
		return Verdict{}, err
	}
	return verdict, nil
}

// BuildPrompt renders the crash-analysis prompt for a request.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are analyzing sensor data from a motorcycle helmet crash detection system.\n")
	b.WriteString("A threshold alert was triggered (G-force or tilt exceeded limits).\n\n")
	b.WriteString("=== SENSOR DATA CONTEXT ===\n")

	window := req.ContextWindow
	if len(window) > 0 {
		fmt.Fprintf(&b, "Recent sensor readings (%d readings over %ds, accelerations in m/s^2):\n", len(window), req.ContextSeconds)
		if len(window) > promptContextReadings {
			window = window[len(window)-promptContextReadings:]
		}
		for _, r := range window {
			fmt.Fprintf(&b, "  - Time: %s, Accel: (%.2f, %.2f, %.2f), Tilt: roll=%.1f°, pitch=%.1f°\n",
				r.Timestamp.UTC().Format(time.RFC3339), r.AX, r.AY, r.AZ, r.Roll, r.Pitch)
		}
	}

	cur := req.CurrentSample
	b.WriteString("\n=== CURRENT READING (ALERT TRIGGER) ===\n")
	fmt.Fprintf(&b, "Acceleration: (%.2f, %.2f, %.2f)\n", cur.AX, cur.AY, cur.AZ)
	fmt.Fprintf(&b, "Tilt: roll=%.1f°, pitch=%.1f°\n", req.ThresholdResult.Tilt.Roll, req.ThresholdResult.Tilt.Pitch)
	fmt.Fprintf(&b, "Tilt detected: %t\n", cur.TiltDetected)
	fmt.Fprintf(&b, "Calculated G-force: %.2fg\n", calc.GForce(cur.AX, cur.AY, cur.AZ))
	fmt.Fprintf(&b, "Local trigger: %s (severity %s)\n", req.ThresholdResult.TriggerType, req.ThresholdResult.Severity)

	if gps := req.GPSSample; gps != nil {
		b.WriteString("\n=== GPS ===\n")
		if gps.Speed != nil {
			fmt.Fprintf(&b, "Speed: %.2f m/s\n", *gps.Speed)
		}
		if gps.SpeedChange != nil {
			fmt.Fprintf(&b, "Speed change: %.2f m/s^2\n", *gps.SpeedChange)
		}
	}

	if len(req.PriorVerdicts) > 0 {
		b.WriteString("\n=== RECENT VERDICTS FOR THIS DEVICE ===\n")
		for _, p := range req.PriorVerdicts {
			fmt.Fprintf(&b, "  - %s: crash=%t confidence=%.2f severity=%s type=%s max_g=%.2f\n",
				p.Timestamp.UTC().Format(time.RFC3339), p.IsCrash, p.Confidence, p.Severity, p.CrashType, p.MaxGForce)
		}
	}

	b.WriteString(`
Analyze this data and determine if this represents an actual crash event or a false positive (e.g., sudden braking, helmet removal, normal riding).

Respond with ONLY a JSON object:
{
    "is_crash": boolean,
    "confidence": float (0.0 to 1.0),
    "severity": "low" | "medium" | "high",
    "crash_type": string (e.g., "frontal_impact", "side_impact", "fall", "false_positive"),
    "reasoning": string,
    "key_indicators": array of strings,
    "false_positive_risk": float (0.0 to 1.0)
}`)
	return b.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	for _, c := range r.Candidates {
		var b strings.Builder
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			return s
		}
	}
	return ""
}

var _ Oracle = (*GenerativeOracle)(nil)
