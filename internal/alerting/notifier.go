package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-sentry/internal/orchestrator"
	"crash-sentry/internal/storage"
)

const defaultMapBaseURL = "https://maps.google.com/?q="

// Notification 封装一次碰撞升级结果的告警上下文。
type Notification struct {
	AttemptID   string           `json:"attempt_id"`
	DeviceID    string           `json:"device_id"`
	Timestamp   time.Time        `json:"crash_timestamp"`
	State       string           `json:"state"`
	Severity    string           `json:"severity"`
	CrashType   string           `json:"crash_type"`
	TriggerType string           `json:"trigger_type"`
	Confidence  *float64         `json:"confidence,omitempty"`
	GForce      float64          `json:"g_force"`
	Latitude    *decimal.Decimal `json:"latitude,omitempty"`
	Longitude   *decimal.Decimal `json:"longitude,omitempty"`
	Speed       *float64         `json:"speed,omitempty"`
	Reasoning   string           `json:"reasoning,omitempty"`
	Error       string           `json:"error,omitempty"`
	MapURL      string           `json:"map_url,omitempty"`
}

// Inconclusive reports whether the oracle never produced a verdict.
func (n Notification) Inconclusive() bool { return n.State == string(orchestrator.Failed) }

// FromOutcome builds a notification; mapBase prefixes "lat,lon" for the map link.
func FromOutcome(out orchestrator.Outcome, mapBase string) Notification {
	esc := out.Escalation
	note := Notification{
		AttemptID:   out.ID,
		DeviceID:    esc.DeviceID,
		Timestamp:   esc.Sample.Timestamp,
		State:       string(out.State),
		Severity:    string(esc.Result.Severity),
		CrashType:   "inconclusive",
		TriggerType: string(esc.Result.TriggerType),
		GForce:      esc.Result.GForce,
	}
	if v := out.Verdict; v != nil {
		conf := v.Confidence
		note.Confidence = &conf
		note.Severity = string(v.Severity)
		note.CrashType = v.CrashType
		note.Reasoning = v.Reasoning
	}
	if out.Err != nil {
		note.Error = out.Err.Error()
	}
	if g := esc.GPS; g != nil {
		note.Latitude = storage.Coordinate(g.Latitude)
		note.Longitude = storage.Coordinate(g.Longitude)
		note.Speed = g.Speed
		if mapBase == "" {
			mapBase = defaultMapBaseURL
		}
		note.MapURL = mapBase + note.Latitude.String() + "," + note.Longitude.String()
	}
	return note
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("device_id", note.DeviceID).
		Str("attempt_id", note.AttemptID).
		Str("state", note.State).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	if note.Inconclusive() {
		builder.WriteString("[Crash Alert: UNCONFIRMED]\n")
		builder.WriteString("Local sensors detected a possible crash; remote confirmation failed.\n")
	} else {
		builder.WriteString(fmt.Sprintf("[Crash Alert: %s]\n", strings.ToUpper(note.Severity)))
	}
	builder.WriteString(fmt.Sprintf("Device: %s\n", note.DeviceID))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Trigger: %s, %.2fg\n", note.TriggerType, note.GForce))
	if note.Confidence != nil {
		builder.WriteString(fmt.Sprintf("Type: %s (confidence %.0f%%)\n", note.CrashType, *note.Confidence*100))
	}
	if note.Speed != nil {
		builder.WriteString(fmt.Sprintf("Speed: %.1f km/h\n", *note.Speed*3.6))
	}
	if note.MapURL != "" {
		builder.WriteString(fmt.Sprintf("Location: %s\n", note.MapURL))
	}
	if note.Reasoning != "" {
		builder.WriteString(note.Reasoning + "\n")
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
