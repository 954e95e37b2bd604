package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(&config.LoggingConfig{Level: "loud", Format: "text", Output: "stdout"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestCustomTextFormatterSortsFields(t *testing.T) {
	f := &CustomTextFormatter{TextFormatter: logrus.TextFormatter{TimestampFormat: time.RFC3339}}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "stream stalled",
		Data:    logrus.Fields{"entity": "w1", "domain": "crypto"},
	}
	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	line := string(out)
	if !strings.Contains(line, "WARN") || !strings.Contains(line, "stream stalled") {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.Contains(line, "| domain=crypto entity=w1") {
		t.Fatalf("fields not sorted: %q", line)
	}
}

func TestWithEntity(t *testing.T) {
	log, hook := test.NewNullLogger()
	WithEntity(log, stringer("banking"), "acc-1").Info("hello")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected an entry")
	}
	if entry.Data["domain"] != "banking" || entry.Data["entity"] != "acc-1" {
		t.Fatalf("unexpected fields %v", entry.Data)
	}
}

func TestMiddlewareLogsStatus(t *testing.T) {
	log, hook := test.NewNullLogger()
	handler := Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a request log")
	}
	if entry.Data["status"] != http.StatusTeapot || entry.Data["path"] != "/api/v1/health" {
		t.Fatalf("unexpected fields %v", entry.Data)
	}
}
