package usage

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/steward/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, testPricing())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []Record{
		{UserID: "u1", SessionID: "s1", Model: "claude-sonnet-4-20250514", Role: RoleChat, InputTokens: 2000, OutputTokens: 1000},
		{UserID: "u1", TaskID: "t1", Model: "qwen3:8b", Role: RoleResume, InputTokens: 500, OutputTokens: 50},
		{UserID: "u2", Model: "claude-sonnet-4-20250514", Role: RoleChat, InputTokens: 1, OutputTokens: 1},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	sum, err := s.Summary("u1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.Records != 2 || sum.InputTokens != 2500 || sum.OutputTokens != 1050 {
		t.Errorf("Summary() = %+v", sum)
	}
	// 2000/1M*3 + 1000/1M*15; the local model is free.
	if !near(sum.CostUSD, 0.021) {
		t.Errorf("CostUSD = %f, want 0.021", sum.CostUSD)
	}

	byModel, err := s.SummaryByModel("u1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel() error: %v", err)
	}
	if len(byModel) != 2 || byModel["qwen3:8b"].InputTokens != 500 {
		t.Errorf("SummaryByModel() = %v", byModel)
	}

	byRole, _ := s.SummaryByRole("u1", now.Add(-time.Minute), now.Add(time.Minute))
	if byRole[RoleChat].Records != 1 || byRole[RoleResume].Records != 1 {
		t.Errorf("SummaryByRole() = %v", byRole)
	}
}

func TestSummary_Window(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Record(ctx, Record{UserID: "u1", Model: "m", Role: RoleChat, InputTokens: 10, Timestamp: now.Add(-48 * time.Hour)})
	_ = s.Record(ctx, Record{UserID: "u1", Model: "m", Role: RoleChat, InputTokens: 20, Timestamp: now})

	sum, err := s.Summary("u1", now.Add(-24*time.Hour), now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Records != 1 || sum.InputTokens != 20 {
		t.Errorf("Summary(last 24h) = %+v", sum)
	}

	empty, err := s.Summary("nobody", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Records != 0 || empty.CostUSD != 0 {
		t.Errorf("empty Summary() = %+v", empty)
	}
}

func TestRecord_KeepsExplicitCost(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	if err := s.Record(context.Background(), Record{UserID: "u1", Model: "claude-sonnet-4-20250514", Role: RoleChat, CostUSD: 1.5}); err != nil {
		t.Fatal(err)
	}
	sum, _ := s.Summary("u1", now.Add(-time.Minute), now.Add(time.Minute))
	if !near(sum.CostUSD, 1.5) {
		t.Errorf("CostUSD = %f, want 1.5", sum.CostUSD)
	}
}

func TestRecord_RequiresUser(t *testing.T) {
	if err := testStore(t).Record(context.Background(), Record{Model: "m"}); err == nil {
		t.Error("Record() without user should fail")
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"claude-sonnet-4-20250514", 1_000_000, 0, 3.0},
		{"claude-sonnet-4-20250514", 0, 1_000_000, 15.0},
		{"qwen3:8b", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		if got := ComputeCost(tt.model, tt.in, tt.out, testPricing()); !near(got, tt.want) {
			t.Errorf("ComputeCost(%s, %d, %d) = %f, want %f", tt.model, tt.in, tt.out, got, tt.want)
		}
	}
	if got := ComputeCost("any", 100, 100, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f", got)
	}
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 10, 15, 13, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		period     string
		start, end time.Time
	}{
		{"today", midnight, now.Add(time.Minute)},
		{"yesterday", midnight.AddDate(0, 0, -1), midnight},
		{"week", now.AddDate(0, 0, -7), now.Add(time.Minute)},
		{"month", now.AddDate(0, -1, 0), now.Add(time.Minute)},
		{"", now.AddDate(0, -1, 0), now.Add(time.Minute)},
		{"all", time.Time{}, now.Add(time.Minute)},
	}
	for _, tt := range tests {
		start, end, err := Window(tt.period, now)
		if err != nil {
			t.Errorf("Window(%q) error: %v", tt.period, err)
			continue
		}
		if !start.Equal(tt.start) || !end.Equal(tt.end) {
			t.Errorf("Window(%q) = [%v, %v), want [%v, %v)", tt.period, start, end, tt.start, tt.end)
		}
	}

	if _, _, err := Window("fortnight", now); err == nil {
		t.Error("Window(fortnight) should fail")
	}
}
