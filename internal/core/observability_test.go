package core

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeCommitted},
		{domain.RegistryError{Err: domain.ErrNotFound}, OutcomeRejected},
		{fmt.Errorf("wrapped: %w", domain.RegistryError{Err: domain.ErrNotOwner}), OutcomeRejected},
		{domain.RuleViolationError{}, OutcomeRejected},
		{errors.New("disk full"), OutcomeFailed},
		{context.Canceled, OutcomeFailed},
	}
	for _, tc := range cases {
		if got := OutcomeOf(tc.err); got != tc.want {
			t.Fatalf("OutcomeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestExpvarMetricsRecorderExports(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	if recorder.Name() == "" {
		t.Fatalf("expected recorder to have export name")
	}
	ctx := context.Background()
	recorder.Observe(ctx, "register_identity", OutcomeCommitted, 10*time.Millisecond)
	recorder.Observe(ctx, "register_identity", OutcomeCommitted, 2*time.Millisecond)
	recorder.Observe(ctx, "register_identity", OutcomeRejected, 5*time.Millisecond)
	recorder.Observe(ctx, "transfer_token", OutcomeFailed, time.Millisecond)
	recorder.Observe(ctx, "", OutcomeCommitted, time.Millisecond)

	snapshot := recorder.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("empty operation names must be ignored, snapshot=%+v", snapshot)
	}
	reg := snapshot["register_identity"]
	if reg.Committed != 2 || reg.Rejected != 1 || reg.Failed != 0 || reg.Total() != 3 {
		t.Fatalf("unexpected register stats %+v", reg)
	}
	if reg.DurationMS != 17 {
		t.Fatalf("duration total = %v, want 17", reg.DurationMS)
	}
	if tr := snapshot["transfer_token"]; tr.Failed != 1 || tr.Total() != 1 {
		t.Fatalf("unexpected transfer stats %+v", tr)
	}

	if v := expvar.Get(recorder.Name()); v == nil {
		t.Fatalf("expected expvar export to be registered")
	} else if !strings.Contains(v.String(), "register_identity") {
		t.Fatalf("expected expvar output to contain operation: %s", v.String())
	}
}

func TestJSONTraceTracerExports(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "transfer_token")
	span.End(nil)
	_, span = tracer.Start(context.Background(), "transfer_token")
	span.End(domain.RegistryError{Err: domain.ErrNotOwner})
	_, span = tracer.Start(context.Background(), "register_identity")
	span.End(errors.New("disk full"))
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected three span entries, got %d", len(entries))
	}
	if entries[0].Operation != "transfer_token" || entries[0].Status != OutcomeCommitted || entries[0].SpanID == "" {
		t.Fatalf("unexpected span entry: %+v", entries[0])
	}
	if entries[1].Status != OutcomeRejected || entries[1].Error != "not owner" || entries[1].SpanID == entries[0].SpanID {
		t.Fatalf("unexpected rejected span entry: %+v", entries[1])
	}
	if entries[2].Status != OutcomeFailed || entries[2].Error != "disk full" {
		t.Fatalf("unexpected failed span entry: %+v", entries[2])
	}
	if !strings.Contains(buf.String(), "\"operation\":\"transfer_token\"") {
		t.Fatalf("expected JSON output to contain operation: %q", buf.String())
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusMetricsRecorder(reg, "test")
	ctx := context.Background()
	rec.Observe(ctx, "issue_token", OutcomeCommitted, 2*time.Millisecond)
	rec.Observe(ctx, "issue_token", OutcomeCommitted, 3*time.Millisecond)
	rec.Observe(ctx, "issue_token", OutcomeRejected, time.Millisecond)
	rec.Observe(ctx, "issue_token", OutcomeFailed, time.Millisecond)
	rec.Observe(ctx, "", OutcomeCommitted, time.Millisecond)

	if v := counterValue(t, reg, "test_registry_operations_total", map[string]string{"operation": "issue_token", "status": "success"}); v != 2 {
		t.Fatalf("success counter = %v", v)
	}
	if v := counterValue(t, reg, "test_registry_operations_total", map[string]string{"operation": "issue_token", "status": "error"}); v != 1 {
		t.Fatalf("error counter = %v", v)
	}
	if v := counterValue(t, reg, "test_registry_operations_total", map[string]string{"operation": "issue_token", "status": "rejected"}); v != 1 {
		t.Fatalf("rejected counter = %v", v)
	}
	if v := counterValue(t, reg, "test_registry_operation_duration_seconds", map[string]string{"operation": "issue_token"}); v != 4 {
		t.Fatalf("histogram samples = %v", v)
	}
}

func TestMultiMetricsRecorderFansOut(t *testing.T) {
	a, b := &captureMetricsRecorder{}, &captureMetricsRecorder{}
	MultiMetricsRecorder{a, b}.Observe(context.Background(), "op", OutcomeRejected, time.Second)
	if !a.has("op", OutcomeRejected) || !b.has("op", OutcomeRejected) {
		t.Fatalf("each recorder should observe the call")
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	tracer := NewOTelTracer(provider.Tracer("test"))
	svc := NewInMemoryService(nil, WithTracer(tracer))
	if _, _, err := svc.RegisterIdentity(context.Background(), origin("alice", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.TransferToken(context.Background(), origin("alice", 0), "bob", h(1)); err == nil {
		t.Fatalf("expected transfer of unknown token to fail")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "registry.register_identity" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	var attrOK bool
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "registry.operation" && kv.Value.AsString() == "register_identity" {
			attrOK = true
		}
	}
	if !attrOK {
		t.Fatalf("missing registry.operation attribute: %v", spans[0].Attributes())
	}
	if spans[1].Status().Code != codes.Unset || len(spans[1].Events()) != 0 {
		t.Fatalf("rejected operation should not mark the span as errored: %+v", spans[1].Status())
	}
	if v, ok := spanAttr(spans[1].Attributes(), "registry.outcome"); !ok || v != string(OutcomeRejected) {
		t.Fatalf("missing rejected outcome attribute: %v", spans[1].Attributes())
	}

	store := memory.NewStore(NewDefaultRulesEngine())
	store.SetCommitHook(func(context.Context, []memory.Mutation) error { return errors.New("disk full") })
	failing := NewService(store, WithTracer(tracer))
	if _, _, err := failing.RegisterIdentity(context.Background(), origin("alice", 1)); err == nil {
		t.Fatalf("expected persistence failure")
	}
	spans = recorder.Ended()
	if last := spans[len(spans)-1]; last.Status().Code != codes.Error || len(last.Events()) == 0 {
		t.Fatalf("failed operation should record an error: %+v", last.Status())
	}

	if NewOTelTracer(nil) == nil {
		t.Fatalf("nil tracer should fall back to the global provider")
	}
}

func spanAttr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}
