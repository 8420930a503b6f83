package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"sampling range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("session").
		WithSessionID("abc").
		WithBatchID(42).
		WithModule("storage").
		Info("step finished")

	out := buf.String()
	for _, want := range []string{`"component":"session"`, `"session_id":"abc"`, `"batch_id":42`, `"module":"storage"`, `"message":"step finished"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message missing")
	}
}

func TestLoggerContext(t *testing.T) {
	logger := Nop().WithSessionID("x")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext without logger returned nil")
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordSessionAccepted()
	m.RecordSessionRejected("overload")
	m.RecordAuthAttempt("success")
	m.RecordRequest("batch_report", "0")
	m.RecordBatchWait(time.Second)
	m.RecordWorkerLaunch("submit", nil)

	var nilMetrics *Metrics
	nilMetrics.RecordSessionClosed()

	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve() on disabled metrics = %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	cfg.ListenAddress = "127.0.0.1:0"

	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordSessionAccepted()
	m.RecordSessionRejected("overload")
	m.RecordRequest("authenticate", "10")
	m.RecordWorkerLaunch("recovery", errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"froyo_agent_sessions_accepted_total 1",
		"froyo_agent_sessions_active 1",
		`froyo_agent_sessions_rejected_total{reason="overload"} 1`,
		`froyo_agent_requests_total{code="10",function="authenticate"} 1`,
		`froyo_agent_workers_launched_total{origin="recovery",result="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStartOperation(t *testing.T) {
	tel := Discard()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "batch.submit", AttrBatchID.Int64(9))
	if op.Ctx == nil || op.Span == nil || op.Logger == nil {
		t.Fatalf("incomplete instrumented context: %+v", op)
	}
	op.End(errors.New("failed"))

	plain := StartOperation(context.Background(), "noop")
	plain.End(nil)
}
