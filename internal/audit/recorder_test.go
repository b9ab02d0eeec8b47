package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewStore(st.DB())
}

func sampleRecord() *domain.DecisionRecord {
	return &domain.DecisionRecord{
		TenantID:         "t1",
		APIKeyID:         "k1",
		RequestModel:     "gpt-4o",
		RequestProvider:  "openai",
		PromptHash:       "abc123",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		CreditsCharged:   0.1,
		LatencyMS:        42,
		Status:           domain.StatusSuccess,
		InjectionScore:   0.2,
	}
}

func TestInsertDecisionAssignsID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertDecision(ctx, sampleRecord())
	if err != nil {
		t.Fatalf("InsertDecision() error = %v", err)
	}
	if id == "" {
		t.Fatal("InsertDecision() returned empty id")
	}

	row, err := store.GetDecision(ctx, id)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	if row.Status != string(domain.StatusSuccess) || row.TotalTokens != 15 {
		t.Errorf("row = %+v", row)
	}
	if row.CreditsCharged != 0.1 {
		t.Errorf("CreditsCharged = %v, want 0.1", row.CreditsCharged)
	}
}

func TestRecorderPersistsDecisionAndFindings(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 8, discard)

	record := sampleRecord()
	record.ID = "dec-1"
	record.Status = domain.StatusBlockedPii
	record.PiiDetected = []domain.PiiFinding{
		{EntityType: "EMAIL_ADDRESS", Confidence: 0.95, Action: "redacted"},
		{EntityType: "US_SSN", Confidence: 0.90, Action: "redacted"},
	}

	if !rec.Record(record) {
		t.Fatal("Record() = false, want accepted")
	}
	rec.Close()

	ctx := context.Background()
	row, err := store.GetDecision(ctx, "dec-1")
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	if row.Status != string(domain.StatusBlockedPii) {
		t.Errorf("Status = %s, want blocked_pii", row.Status)
	}

	n, err := store.CountPiiIncidents(ctx, "dec-1")
	if err != nil {
		t.Fatalf("CountPiiIncidents() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pii incidents = %d, want 2", n)
	}
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	store := newTestStore(t)

	// Queue of one with no started writer drain guarantee: fill it, then the
	// next enqueue must drop rather than block.
	r := &Recorder{
		store:  store,
		logger: discard,
		queue:  make(chan *domain.DecisionRecord, 1),
		done:   make(chan struct{}),
	}
	close(r.done)

	if !r.Record(sampleRecord()) {
		t.Fatal("first Record() should be accepted")
	}

	accepted := make(chan bool, 1)
	go func() { accepted <- r.Record(sampleRecord()) }()
	select {
	case ok := <-accepted:
		if ok {
			t.Error("Record() on a full queue = true, want dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("Record() blocked on a full queue")
	}
}

func TestRecorderCloseDrains(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 64, discard)

	for i := 0; i < 20; i++ {
		record := sampleRecord()
		record.ID = ""
		rec.Record(record)
	}
	rec.Close()

	var n int
	err := store.db.GetContext(context.Background(), &n, `SELECT COUNT(*) FROM decision_log`)
	if err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if n != 20 {
		t.Errorf("persisted decisions = %d, want 20", n)
	}
}
