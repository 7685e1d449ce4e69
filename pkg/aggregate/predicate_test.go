package aggregate

import (
	"encoding/json"
	"testing"
)

func TestPredicates(t *testing.T) {
	s := snap{"status": "active", "level": int64(3), "ratio": json.Number("2"), "flag": true}
	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{name: "equals string", pred: Equals("status", "active"), want: true},
		{name: "equals mismatch", pred: Equals("status", "retired"), want: false},
		{name: "numeric normalization", pred: Equals("level", 3), want: true},
		{name: "json number", pred: Equals("ratio", 2.0), want: true},
		{name: "string is not number", pred: Equals("level", "3"), want: false},
		{name: "missing equals nil", pred: Equals("absent", nil), want: true},
		{name: "missing not value", pred: Equals("absent", "x"), want: false},
		{name: "in", pred: In("status", "planned", "active"), want: true},
		{name: "in miss", pred: In("status", "planned"), want: false},
		{name: "all", pred: All(Equals("flag", true), Equals("level", 3)), want: true},
		{name: "all empty", pred: All(), want: true},
		{name: "any", pred: Any(Equals("flag", false), Equals("level", 3)), want: true},
		{name: "not", pred: Not(Equals("flag", true)), want: false},
		{name: "always", pred: Always(), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred.Match(s); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPredicatesCompareLargeIntegersExactly(t *testing.T) {
	s := snap{"ext": json.Number("9007199254740992"), "big": uint64(1 << 63), "half": 2.5}
	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{name: "neighbour above 2^53", pred: Equals("ext", int64(9007199254740993)), want: false},
		{name: "same value", pred: Equals("ext", int64(9007199254740992)), want: true},
		{name: "in neighbours", pred: In("ext", int64(9007199254740991), int64(9007199254740993)), want: false},
		{name: "uint above int64", pred: Equals("big", json.Number("9223372036854775808")), want: true},
		{name: "uint neighbour", pred: Equals("big", uint64(1<<63+1)), want: false},
		{name: "fraction", pred: Equals("half", json.Number("2.5")), want: true},
		{name: "fraction is not integer", pred: Equals("half", 2), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred.Match(s); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestAttributeParent(t *testing.T) {
	accessor := AttributeParent("group", "group_id")
	id := "g1"
	var nilID *string
	cases := []struct {
		name string
		s    snap
		want ParentRef
		err  bool
	}{
		{name: "string", s: snap{"group_id": "g1"}, want: ParentRef{Type: "group", ID: "g1"}},
		{name: "pointer", s: snap{"group_id": &id}, want: ParentRef{Type: "group", ID: "g1"}},
		{name: "nil pointer", s: snap{"group_id": nilID}},
		{name: "missing", s: snap{}},
		{name: "nil", s: snap{"group_id": nil}},
		{name: "empty", s: snap{"group_id": ""}},
		{name: "wrong type", s: snap{"group_id": 12}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := accessor(tc.s)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.IsZero() != tc.want.IsZero() || (!got.IsZero() && got != tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
