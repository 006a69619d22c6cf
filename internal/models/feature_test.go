package models

import (
	"testing"
	"time"
)

func TestParseCostTable(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, table CostTable)
	}{
		{
			name:  "valid table",
			input: `{"summary":{"free_limit":3,"credit_cost":7},"chat":{"free_limit":-1,"credit_cost":0}}`,
			check: func(t *testing.T, table CostTable) {
				c, ok := table.Lookup("summary")
				if !ok {
					t.Fatal("expected summary entry")
				}
				if c.FreeLimit != 3 || c.CreditCost != 7 {
					t.Errorf("unexpected entry %+v", c)
				}
				chat, _ := table.Lookup("chat")
				if !chat.Unlimited() {
					t.Error("expected chat to be unlimited")
				}
			},
		},
		{name: "malformed json", input: `{"summary":`, wantErr: true},
		{name: "empty table", input: `{}`, wantErr: true},
		{name: "negative cost", input: `{"x":{"free_limit":1,"credit_cost":-2}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseCostTable([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, table)
		})
	}
}

func TestCostTable_Features(t *testing.T) {
	table := CostTable{"b": {}, "a": {}, "c": {}}
	got := table.Features()
	want := []FeatureID{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Features() = %v, want %v", got, want)
		}
	}
}

func TestPeriodOf(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 01:30 on Nov 1st at UTC+3 is still October in UTC.
	ts := time.Date(2026, time.November, 1, 1, 30, 0, 0, loc)

	p := PeriodOf(ts)
	if p.String() != "2026-10" {
		t.Errorf("PeriodOf() = %s, want 2026-10", p)
	}
}
