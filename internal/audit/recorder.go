package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/securetag/ai-gateway/internal/domain"
)

// DefaultQueueSize bounds the in-flight audit backlog. Enqueue never blocks
// the request path; overflow drops the record and logs it.
const DefaultQueueSize = 1024

// writeTimeout bounds one record's database writes.
const writeTimeout = 10 * time.Second

// Recorder accepts decision records from request handlers and persists them
// off the hot path with a single writer goroutine.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	queue  chan *domain.DecisionRecord
	done   chan struct{}
	once   sync.Once
}

func NewRecorder(store *Store, queueSize int, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan *domain.DecisionRecord, queueSize),
		done:   make(chan struct{}),
	}
	go r.writer()
	return r
}

// Record enqueues a decision without blocking. The boolean reports whether
// the record was accepted.
func (r *Recorder) Record(rec *domain.DecisionRecord) bool {
	select {
	case r.queue <- rec:
		return true
	default:
		r.logger.Warn("audit queue full, dropping decision record",
			slog.String("tenant_id", rec.TenantID),
			slog.String("status", string(rec.Status)))
		return false
	}
}

// Close stops accepting records, drains the queue, and waits for the writer
// to finish.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
	})
	<-r.done
}

func (r *Recorder) writer() {
	defer close(r.done)

	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		r.persist(ctx, rec)
		cancel()
	}
}

// persist writes the decision first so incident rows always have a parent.
// A findings failure keeps the decision row; the audit trail degrades
// rather than disappears.
func (r *Recorder) persist(ctx context.Context, rec *domain.DecisionRecord) {
	id, err := r.store.InsertDecision(ctx, rec)
	if err != nil {
		r.logger.Error("failed to persist decision record",
			slog.String("tenant_id", rec.TenantID),
			slog.String("error", err.Error()))
		return
	}

	if len(rec.PiiDetected) == 0 {
		return
	}
	if err := r.store.InsertPiiFindings(ctx, id, rec.TenantID, rec.PiiDetected); err != nil {
		r.logger.Error("failed to persist pii incidents",
			slog.String("decision_id", id),
			slog.String("error", err.Error()))
	}
}
