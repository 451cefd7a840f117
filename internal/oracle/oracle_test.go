package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crash-sentry/internal/detector"
)

func testRequest() Request {
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	sample := detector.SensorSample{DeviceID: "helmet-1", AX: 0, AY: 0, AZ: 90, Timestamp: ts}
	return Request{
		DeviceID:        "helmet-1",
		CurrentSample:   sample,
		ThresholdResult: detector.Result{Triggered: true, TriggerType: detector.TriggerGForce, Severity: detector.SeverityMedium, GForce: 9.17, Timestamp: ts},
		ContextWindow:   []detector.SensorSample{sample},
		ContextSeconds:  45,
	}
}

const validVerdict = `{"is_crash":true,"confidence":0.91,"severity":"high","crash_type":"frontal_impact","reasoning":"sustained spike","key_indicators":["high_g_force"],"false_positive_risk":0.1}`

func TestDecodeVerdict(t *testing.T) {
	v, err := DecodeVerdict([]byte(validVerdict))
	if err != nil {
		t.Fatalf("valid verdict should decode: %v", err)
	}
	if !v.IsCrash || v.Severity != detector.SeverityHigh || v.Confidence != 0.91 {
		t.Fatalf("unexpected verdict: %#v", v)
	}

	bad := []string{
		`not json`,
		`{"confidence":0.5,"severity":"low"}`,
		`{"is_crash":true,"confidence":1.5,"severity":"low"}`,
		`{"is_crash":true,"confidence":0.5,"severity":"catastrophic"}`,
		`{"is_crash":true,"confidence":0.5,"severity":"low","false_positive_risk":-0.2}`,
	}
	for _, payload := range bad {
		if _, err := DecodeVerdict([]byte(payload)); !errors.Is(err, ErrMalformedVerdict) {
			t.Fatalf("payload %q should be malformed, got %v", payload, err)
		}
	}
}

func TestDecodeVerdictDefaults(t *testing.T) {
	v, err := DecodeVerdict([]byte(`{"is_crash":false,"confidence":0.2,"severity":"LOW"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.CrashType != "unknown" || v.FalsePositiveRisk != 0.5 || v.KeyIndicators == nil {
		t.Fatalf("defaults not applied: %#v", v)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`  {"a":1} `:              `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPOracleSuccess(t *testing.T) {
	var received Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != confirmPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("missing bearer token, got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(validVerdict))
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL, APIToken: "secret", Timeout: time.Second}, zerolog.Nop())
	v, err := o.Confirm(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("confirm should succeed: %v", err)
	}
	if !v.IsCrash {
		t.Fatal("expected crash verdict")
	}
	if received.DeviceID != "helmet-1" || received.ContextSeconds != 45 || len(received.ContextWindow) != 1 {
		t.Fatalf("request not forwarded intact: %#v", received)
	}
}

func TestHTTPOracleFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("mode") {
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := o.Confirm(context.Background(), testRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("502 should be unavailable, got %v", err)
	}

	unset := NewHTTPOracle(HTTPOptions{}, zerolog.Nop())
	if _, err := unset.Confirm(context.Background(), testRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing base url should be unavailable, got %v", err)
	}
}

func TestHTTPOracleHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL, Timeout: 10 * time.Second}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := o.Confirm(ctx, testRequest()); err == nil {
		t.Fatal("deadline exceeded should fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("confirm did not honour the context deadline")
	}
}

func TestGenerativeOracleParsesFencedAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key" {
			t.Fatal("api key header missing")
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Contents) != 1 || !strings.Contains(req.Contents[0].Parts[0].Text, "CURRENT READING") {
			t.Fatal("prompt missing current reading section")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]string{"text": "```json\n" + validVerdict + "\n```"}}},
			}},
		})
	}))
	defer srv.Close()

	o := NewGenerativeOracle(GenerativeOptions{BaseURL: srv.URL, APIKey: "key", Model: "test-model", Timeout: time.Second}, zerolog.Nop())
	v, err := o.Confirm(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if v.CrashType != "frontal_impact" {
		t.Fatalf("unexpected crash type %q", v.CrashType)
	}
}

func TestGenerativeOracleMalformedAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]string{"text": "I think it was a crash."}}},
			}},
		})
	}))
	defer srv.Close()

	o := NewGenerativeOracle(GenerativeOptions{BaseURL: srv.URL, APIKey: "key", Model: "m"}, zerolog.Nop())
	if _, err := o.Confirm(context.Background(), testRequest()); !errors.Is(err, ErrMalformedVerdict) {
		t.Fatalf("prose answer should be malformed, got %v", err)
	}

	missingKey := NewGenerativeOracle(GenerativeOptions{BaseURL: srv.URL, Model: "m"}, zerolog.Nop())
	if _, err := missingKey.Confirm(context.Background(), testRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing key should be unavailable, got %v", err)
	}
}

func TestBuildPromptLimitsContext(t *testing.T) {
	req := testRequest()
	base := req.CurrentSample.Timestamp
	req.ContextWindow = nil
	for i := 0; i < 25; i++ {
		s := req.CurrentSample
		s.Timestamp = base.Add(time.Duration(i) * time.Second)
		req.ContextWindow = append(req.ContextWindow, s)
	}
	speed := 12.0
	req.GPSSample = &detector.GPSSample{Speed: &speed}
	req.PriorVerdicts = []PriorVerdict{{IsCrash: false, Confidence: 0.3, Severity: detector.SeverityLow, CrashType: "false_positive", Timestamp: base}}

	prompt := BuildPrompt(req)
	if got := strings.Count(prompt, "  - Time:"); got != promptContextReadings {
		t.Fatalf("expected %d context lines, got %d", promptContextReadings, got)
	}
	for _, want := range []string{"25 readings", "Speed: 12.00 m/s", "RECENT VERDICTS", "Calculated G-force: 9.17g"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
