package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSanitizingHandlerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, true)
	logger.Info("refresh", "refresh_token", "r-123", "authorization", "Bearer abc", "outcome", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if got, _ := payload["refresh_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted refresh token, got %q", got)
	}
	if got, _ := payload["authorization"].(string); got != redactedValue {
		t.Fatalf("expected redacted authorization, got %q", got)
	}
	if got, _ := payload["outcome"].(string); got != "ok" {
		t.Fatalf("expected untouched outcome, got %q", got)
	}
}

func TestSanitizingHandlerFingerprintsPhoneNumbers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, true).With("phone_number", "+905551112233")
	logger.Info("code requested")

	if strings.Contains(buf.String(), "+905551112233") {
		t.Fatalf("phone number leaked into log: %s", buf.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	got, _ := payload["phone_number_fp"].(string)
	if !strings.HasPrefix(got, "fp_") {
		t.Fatalf("expected fingerprint, got %q", got)
	}
}

func TestFingerprintIDIsStable(t *testing.T) {
	if FingerprintID("abc") != FingerprintID(" abc ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if FingerprintID("") != "" {
		t.Fatal("empty values have no fingerprint")
	}
}

func TestDiscardDropsRecords(t *testing.T) {
	if Discard().Enabled(t.Context(), slog.LevelError) {
		t.Fatal("discard logger should not be enabled for any level")
	}
}
