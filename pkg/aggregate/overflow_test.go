package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestCheckedArithmetic(t *testing.T) {
	cases := []struct {
		name   string
		fn     func(a, b int64) (int64, bool)
		a, b   int64
		want   int64
		wantOK bool
	}{
		{name: "add", fn: CheckedAdd, a: 2, b: 3, want: 5, wantOK: true},
		{name: "add negative", fn: CheckedAdd, a: -2, b: -3, want: -5, wantOK: true},
		{name: "add to max", fn: CheckedAdd, a: math.MaxInt64 - 1, b: 1, want: math.MaxInt64, wantOK: true},
		{name: "add past max", fn: CheckedAdd, a: math.MaxInt64, b: 1, wantOK: false},
		{name: "add past min", fn: CheckedAdd, a: math.MinInt64, b: -1, wantOK: false},
		{name: "sub", fn: CheckedSub, a: 2, b: 5, want: -3, wantOK: true},
		{name: "negate min", fn: CheckedSub, a: 0, b: math.MinInt64, wantOK: false},
		{name: "sub min from -1", fn: CheckedSub, a: -1, b: math.MinInt64, want: math.MaxInt64, wantOK: true},
		{name: "sub past min", fn: CheckedSub, a: math.MinInt64, b: 1, wantOK: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.fn(tc.a, tc.b)
			if ok != tc.wantOK || (ok && got != tc.want) {
				t.Fatalf("expected %d %v, got %d %v", tc.want, tc.wantOK, got, ok)
			}
		})
	}
}

func TestSumOverflowIsSurfaced(t *testing.T) {
	reg := mustRegistry(sumSpec())
	w := newWorld(reg, groupRef("p"))
	applyPlan(t, w, planFor(t, reg, w, w.create(snap{"id": "m1", "group_id": "p", "points": int64(math.MinInt64)})))

	for name, ev := range map[string]Event{
		"operand change": w.update(snap{"id": "m1", "group_id": "p", "points": int64(1)}),
		"removal":        {Action: ActionDelete, Source: "member", Before: snap{"id": "m1", "group_id": "p", "points": int64(math.MinInt64)}},
	} {
		if _, err := NewTracker(reg).Plan(context.Background(), ev, w); !errors.Is(err, ErrOverflow) {
			t.Fatalf("%s: expected ErrOverflow, got %v", name, err)
		}
	}

	children := []Snapshot{
		snap{"id": "a", "group_id": "p", "points": int64(math.MaxInt64)},
		snap{"id": "b", "group_id": "p", "points": int64(1)},
	}
	if _, _, err := Compute(context.Background(), sumSpec(), groupRef("p"), children, w); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected compute overflow, got %v", err)
	}
}

func TestMinDeltaOverflowRecomputes(t *testing.T) {
	reg := mustRegistry(minSpec())
	w := newWorld(reg, groupRef("p"))
	applyPlan(t, w, planFor(t, reg, w, w.create(snap{"id": "hi", "group_id": "p", "points": int64(math.MaxInt64)})))

	plan := planFor(t, reg, w, w.create(snap{"id": "lo", "group_id": "p", "points": int64(math.MinInt64)}))
	expectEntries(t, plan, Entry{Parent: groupRef("p"), Field: "points_min", Delta: Recompute()})
	applyPlan(t, w, plan)
	if got := w.parents[groupRef("p")]["points_min"]; got != math.MinInt64 {
		t.Fatalf("expected recomputed minimum, got %d", got)
	}
}

func TestNonIntegerOperands(t *testing.T) {
	for name, v := range map[string]any{
		"fraction":             1.5,
		"json fraction":        json.Number("2.25"),
		"json beyond int64":    json.Number("9223372036854775808"),
		"float beyond int64":   1e19,
		"json exponent beyond": json.Number("1e400"),
	} {
		_, err := ReadOperand(snap{"points": v}, "points")
		if !errors.Is(err, ErrNonIntegerOperand) || errors.Is(err, ErrSymbolicOperand) {
			t.Fatalf("%s: expected ErrNonIntegerOperand, got %v", name, err)
		}
	}
	if op, err := ReadOperand(snap{"points": json.Number("2.0")}, "points"); err != nil || op != Concrete(2) {
		t.Fatalf("expected integral json fraction to read as 2, got %v %v", op, err)
	}
	if _, err := ReadOperand(snap{"points": json.Number("ten")}, "points"); !errors.Is(err, ErrSymbolicOperand) {
		t.Fatalf("expected non-numeric json to stay symbolic, got %v", err)
	}
}
