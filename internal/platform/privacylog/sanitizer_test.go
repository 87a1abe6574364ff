package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerFingerprintsSessionAndRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, slog.LevelDebug)
	logger.Info("discovery", "session_id", "6f1c8c9e-1111-4e2a-9b1b-222222222222", "api_key", "k", "origin", "https://dapp.example")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["session_id"]; ok {
		t.Fatal("session_id should not be present")
	}
	fp, _ := payload["session_id_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") || len(fp) != len("fp_")+16 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if got, _ := payload["api_key"].(string); got != redactedValue {
		t.Fatalf("expected redacted api key, got %q", got)
	}
	if got, _ := payload["origin"].(string); got != "https://dapp.example" {
		t.Fatalf("expected origin untouched, got %q", got)
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := Fingerprint("session-1")
	if a != Fingerprint(" session-1 ") {
		t.Fatal("fingerprint must ignore surrounding space")
	}
	if a == Fingerprint("session-2") {
		t.Fatal("different values must not collide")
	}
	if Fingerprint("  ") != "" {
		t.Fatal("blank values fingerprint to empty")
	}
}

func TestSanitizingHandlerCoversWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	h = h.WithAttrs([]slog.Attr{slog.String("initiator_id", "dapp-1")})
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.Group("request", slog.String("session_id", "s1"), slog.String("auth_token", "t")))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"initiator_id_fp", "session_id_fp", redactedValue} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
	if strings.Contains(out, `"s1"`) || strings.Contains(out, "dapp-1") {
		t.Fatalf("raw ids leaked: %s", out)
	}
}
