package worker

import (
	"database/sql"
	"testing"
	"time"

	"github.com/flowmail/flowmail/internal/automation"
	"github.com/flowmail/flowmail/internal/store"
)

func TestClampBatch(t *testing.T) {
	tests := []struct {
		n, max, want int
	}{
		{0, 25, 25},
		{-3, 25, 25},
		{10, 25, 10},
		{25, 25, 25},
		{26, 25, 25},
		{9999, 500, 500},
	}
	for _, tt := range tests {
		if got := clampBatch(tt.n, tt.max); got != tt.want {
			t.Errorf("clampBatch(%d, %d) = %d, want %d", tt.n, tt.max, got, tt.want)
		}
	}
}

func TestScoreDelta(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		url       string
		form      string
		want      int
	}{
		{"open", "email_open", "", "", 1},
		{"click pricing", "link_click", "https://x.com/Pricing?p=1", "", 5},
		{"click checkout", "link_click", "https://x.com/checkout", "", 5},
		{"click other", "link_click", "https://x.com/blog", "", 3},
		{"webinar form", "form_submitted", "", "Webinar Signup", 10},
		{"plain form", "form_submitted", "", "contact", 4},
		{"purchase", "purchase", "", "", 15},
		{"upgrade", "purchase_upgraded", "", "", 10},
		{"cancel", "purchase_cancelled", "", "", -10},
		{"irrelevant", "page_visited", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreDelta(tt.eventType, tt.url, tt.form); got != tt.want {
				t.Errorf("ScoreDelta() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBucketMinute(t *testing.T) {
	tests := []struct {
		minute, want int
	}{
		{0, 0}, {7, 0}, {8, 15}, {15, 15}, {22, 15},
		{23, 30}, {30, 30}, {37, 30}, {38, 45}, {45, 45},
		{52, 45}, {53, 45}, {59, 45},
	}
	for _, tt := range tests {
		if got := BucketMinute(tt.minute); got != tt.want {
			t.Errorf("BucketMinute(%d) = %d, want %d", tt.minute, got, tt.want)
		}
	}
}

func TestApplySetOp(t *testing.T) {
	tags := []string{"VIP", "beta"}

	tests := []struct {
		name  string
		op    string
		value string
		want  []string
	}{
		{"add new", "add", "gold", []string{"VIP", "beta", "gold"}},
		{"add duplicate normalized", "add", " vip ", []string{"VIP", "beta"}},
		{"remove normalized", "remove", "Beta", []string{"VIP"}},
		{"remove absent", "remove", "gone", []string{"VIP", "beta"}},
		{"set", "set", "only", []string{"only"}},
		{"set empty clears", "set", "", []string{}},
		{"unknown op behaves as add", "", "gold", []string{"VIP", "beta", "gold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applySetOp(tags, tt.op, tt.value)
			if len(got) != len(tt.want) {
				t.Fatalf("applySetOp(%q, %q) = %v, want %v", tt.op, tt.value, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("applySetOp(%q, %q) = %v, want %v", tt.op, tt.value, got, tt.want)
					break
				}
			}
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	w := &AutomationWorker{}

	contact := &store.Contact{
		LeadScore:      30,
		LifecycleStage: "Customer",
		Tags:           []string{"VIP", "beta"},
		LastOpenAt:     sql.NullTime{Time: now.AddDate(0, 0, -10), Valid: true},
	}

	tests := []struct {
		name   string
		kind   string
		params map[string]any
		want   bool
	}{
		{"lead score default gt pass", automation.CondLeadScore, map[string]any{"value": 20}, true},
		{"lead score default gt fail on equal", automation.CondLeadScore, map[string]any{"value": 30}, false},
		{"lead score lte", automation.CondLeadScore, map[string]any{"op": "<=", "value": 30}, true},
		{"lifecycle case-insensitive", automation.CondLifecycleStage, map[string]any{"value": "customer"}, true},
		{"lifecycle mismatch", automation.CondLifecycleStage, map[string]any{"value": "lead"}, false},
		{"last open days pass", automation.CondLastOpenDays, map[string]any{"days": 7}, true},
		{"last open days fail", automation.CondLastOpenDays, map[string]any{"days": 30}, false},
		{"has tag contains", automation.CondHasTag, map[string]any{"tag": "vip"}, true},
		{"has tag missing", automation.CondHasTag, map[string]any{"tag": "gold"}, false},
		{"has tag empty passes", automation.CondHasTag, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &automation.Step{ID: "c", Type: automation.StepCondition,
				Config: automation.NewConfig(tt.kind, tt.params)}
			got, err := w.evaluateCondition(step, contact, now)
			if err != nil {
				t.Fatalf("evaluateCondition: %v", err)
			}
			if got != tt.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_NeverOpened(t *testing.T) {
	w := &AutomationWorker{}
	step := &automation.Step{ID: "c", Type: automation.StepCondition,
		Config: automation.NewConfig(automation.CondLastOpenDays, map[string]any{"days": 14})}

	// A contact with no recorded open counts as inactive for any window.
	got, err := w.evaluateCondition(step, &store.Contact{}, time.Now())
	if err != nil {
		t.Fatalf("evaluateCondition: %v", err)
	}
	if !got {
		t.Errorf("never-opened contact should pass last_open_days")
	}
}

func TestEvaluateCondition_UnknownKind(t *testing.T) {
	w := &AutomationWorker{}
	step := &automation.Step{ID: "c", Type: automation.StepCondition,
		Config: automation.NewConfig("condition.moon_phase", nil)}
	if _, err := w.evaluateCondition(step, &store.Contact{}, time.Now()); err == nil {
		t.Errorf("expected error for unknown condition kind")
	}
}

func TestComputeExecuteAt(t *testing.T) {
	sched := func(mode string) *store.CampaignSchedule {
		return &store.CampaignSchedule{Mode: mode, WindowStart: "09:00", WindowEnd: "17:00"}
	}
	contactAt := func(hour, minute int) *store.Contact {
		return &store.Contact{
			BestSendHour:   sql.NullInt32{Int32: int32(hour), Valid: true},
			BestSendMinute: sql.NullInt32{Int32: int32(minute), Valid: true},
		}
	}
	day := func(now time.Time, d, hour, minute int) time.Time {
		return time.Date(now.Year(), now.Month(), now.Day()+d, hour, minute, 0, 0, time.UTC)
	}

	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		sc      *store.CampaignSchedule
		contact *store.Contact
		now     time.Time
		want    time.Time
	}{
		{"best time later today", sched("best_time"), contactAt(14, 30), now, day(now, 0, 14, 30)},
		{"best time already past rolls over", sched("best_time"), contactAt(14, 30),
			day(now, 0, 15, 0), day(now, 1, 14, 30)},
		{"best time outside window snaps to start", sched("best_time"), contactAt(6, 0), now, day(now, 0, 9, 0)},
		{"no learned slot uses window start", sched("best_time"), &store.Contact{}, now, day(now, 0, 9, 0)},
		{"fixed time uses window start", sched("fixed_time"), contactAt(14, 30), now, day(now, 0, 9, 0)},
		{"fixed time past start rolls over", sched("fixed_time"), &store.Contact{},
			day(now, 0, 10, 0), day(now, 1, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeExecuteAt(tt.sc, tt.contact, tt.now); !got.Equal(tt.want) {
				t.Errorf("ComputeExecuteAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input        string
		wantH, wantM int
	}{
		{"09:00", 9, 0},
		{"17:45", 17, 45},
		{" 8:05 ", 8, 5},
		{"25:00", 9, 0},
		{"nope", 9, 0},
		{"", 9, 0},
	}
	for _, tt := range tests {
		h, m := parseClock(tt.input, 9, 0)
		if h != tt.wantH || m != tt.wantM {
			t.Errorf("parseClock(%q) = %d:%d, want %d:%d", tt.input, h, m, tt.wantH, tt.wantM)
		}
	}
}

func TestCompareScore(t *testing.T) {
	if !compareScore(5, ">", 4) || compareScore(4, ">", 4) {
		t.Errorf("> semantics wrong")
	}
	if !compareScore(4, ">=", 4) || !compareScore(3, "<", 4) || !compareScore(4, "<=", 4) {
		t.Errorf("comparison semantics wrong")
	}
	// Unknown ops fall back to the default.
	if !compareScore(5, "between", 4) {
		t.Errorf("unknown op should behave as >")
	}
}

func TestABVariantOrder(t *testing.T) {
	// Tie-break order is positional: A before B before C.
	want := []string{"A", "B", "C"}
	for i, v := range abVariants {
		if v != want[i] {
			t.Fatalf("abVariants = %v, want %v", abVariants, want)
		}
	}
}
