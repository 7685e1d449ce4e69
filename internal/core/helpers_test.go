package core

import (
	"context"
	"testing"
	"time"

	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

const (
	groupType  domain.EntityType = "group"
	memberType domain.EntityType = "member"
)

func newTestTracker(t *testing.T) *aggregate.Tracker {
	t.Helper()
	parent := aggregate.AttributeParent(string(groupType), "group_id")
	reg := aggregate.NewRegistry()
	err := reg.Register(
		&aggregate.Spec{Name: "members", Source: "member", ParentType: "group", Field: "members_count", Kind: aggregate.KindCount, Parent: parent},
		&aggregate.Spec{Name: "points", Source: "member", ParentType: "group", Field: "points_sum", Kind: aggregate.KindSum, Operand: "points", Parent: parent},
		&aggregate.Spec{Name: "lowest", Source: "member", ParentType: "group", Field: "points_min", Kind: aggregate.KindMin, Operand: "points", Parent: parent},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return aggregate.NewTracker(reg)
}

func group(id string) Record {
	return Record{Base: Base{ID: id}, Type: groupType}
}

func member(id, groupID string, points int) Record {
	return Record{Base: Base{ID: id}, Type: memberType, Attributes: map[string]any{"group_id": groupID, "points": points}}
}

func seedGroup(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []Record{group("g1"), member("m1", "g1", 5), member("m2", "g1", 3)} {
		if _, _, err := svc.CreateRecord(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
}

func expectField(t *testing.T, svc *Service, id, field string, want int64) {
	t.Helper()
	r, ok := svc.Store().GetRecord(id)
	if !ok {
		t.Fatalf("record %s missing", id)
	}
	got, set, err := r.Int(field)
	if err != nil || !set || got != want {
		t.Fatalf("%s.%s: expected %d, got %d (set=%v, err=%v)", id, field, want, got, set, err)
	}
}

func corrupt(t *testing.T, svc *Service, field string, value int) Result {
	t.Helper()
	_, res, err := svc.UpdateRecord(context.Background(), "g1", func(r *Record) error {
		r.Set(field, value)
		return nil
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	return res
}

type captureLogger struct {
	entries []string
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.entries = append(c.entries, "debug:"+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.entries = append(c.entries, "info:"+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.entries = append(c.entries, "warn:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.entries = append(c.entries, "error:"+msg) }

func (c *captureLogger) has(entry string) bool {
	for _, e := range c.entries {
		if e == entry {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	calls []metricsCall
	plans map[string]int
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) ObservePlans(_ context.Context, op string, plans []Plan) {
	if c.plans == nil {
		c.plans = make(map[string]int)
	}
	for _, p := range plans {
		c.plans[op] += p.Len()
	}
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	started []string
	ended   []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}
