package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "dispatch"))
	log.Warn("notification missed", String("event", "ev-1"), Err(errors.New("late")), Duration("late", 6*time.Minute))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["level"] != "warn" || m["message"] != "notification missed" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["comp"] != "dispatch" || m["event"] != "ev-1" || m["err"] != "late" {
		t.Fatalf("missing fields: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelError) {
		t.Fatal("Enabled disagrees with level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop is a configured logger")
	}
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"recipient removed","chat":42,"comp":"recipients"}`))
	want := "[WARN] recipient removed\n- chat=42\n- comp=recipients"
	if got != want {
		t.Fatalf("formatAlert =\n%s\nwant\n%s", got, want)
	}
	if got := formatAlert([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw fallback = %q", got)
	}
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
	got  chan struct{}
}

func (c *captureNotifier) Notify(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func TestAlertSinkFiltersByLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, ChatID: -100, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	n := &captureNotifier{got: make(chan struct{}, 4)}
	svc.SetNotifier(n)

	log.Info("routine")
	log.Warn("slip detected", String("event", "ev-1"))

	select {
	case <-n.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 1 || !strings.HasPrefix(n.sent[0], "[WARN] slip detected") {
		t.Fatalf("sent = %q", n.sent)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("Warning", zerolog.InfoLevel) != zerolog.WarnLevel {
		t.Fatal("warning alias")
	}
	if parseLevel("nope", zerolog.ErrorLevel) != zerolog.ErrorLevel {
		t.Fatal("default")
	}
}
