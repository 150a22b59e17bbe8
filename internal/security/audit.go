package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/polydoc/polydoc-api/internal/domain"
)

// AuditRecord captures one authorization decision. Records are emitted for
// denials and grants alike.
type AuditRecord struct {
	Timestamp time.Time
	UserID    string
	Role      domain.Role
	Operation string
	Subject   string
	Decision  string // "allow" or "deny"
	Reason    string
}

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditSink receives drained audit records. Implementations must not block
// for long; the pump calls them serially.
type AuditSink interface {
	Write(ctx context.Context, recs []AuditRecord) error
}

// LogSink writes audit records to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Write(_ context.Context, recs []AuditRecord) error {
	for _, r := range recs {
		s.Logger.Info("audit",
			"user_id", r.UserID,
			"role", r.Role,
			"operation", r.Operation,
			"subject", r.Subject,
			"decision", r.Decision,
			"reason", r.Reason,
		)
	}
	return nil
}

// AuditBuffer is a bounded in-memory ring between the request path and the
// sink. Emit never blocks: on overflow it sheds per the configured policy
// and counts the loss.
type AuditBuffer struct {
	mu         sync.Mutex
	buf        []AuditRecord
	max        int
	dropOldest bool
	dropped    uint64
	notify     chan struct{}
}

func NewAuditBuffer(size int, overflowPolicy string) *AuditBuffer {
	if size < 1 {
		size = 1
	}
	return &AuditBuffer{
		buf:        make([]AuditRecord, 0, size),
		max:        size,
		dropOldest: overflowPolicy != "drop_newest",
		notify:     make(chan struct{}, 1),
	}
}

// Emit enqueues a record without blocking the request path.
func (b *AuditBuffer) Emit(rec AuditRecord) {
	b.mu.Lock()
	if len(b.buf) >= b.max {
		b.dropped++
		if b.dropOldest {
			copy(b.buf, b.buf[1:])
			b.buf = b.buf[:len(b.buf)-1]
		} else {
			b.mu.Unlock()
			return
		}
	}
	b.buf = append(b.buf, rec)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything buffered.
func (b *AuditBuffer) Drain() []AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]AuditRecord, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

// Dropped reports how many records overflow has shed so far.
func (b *AuditBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len reports the current backlog.
func (b *AuditBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

var _ supervisor.Runnable = (*AuditPump)(nil)

// AuditPump drains the buffer into the sink. It flushes on notification and
// once more on shutdown so a clean stop loses nothing.
type AuditPump struct {
	buffer *AuditBuffer
	sink   AuditSink
	logger *slog.Logger

	runCancel context.CancelFunc
}

func NewAuditPump(buffer *AuditBuffer, sink AuditSink, logger *slog.Logger) *AuditPump {
	return &AuditPump{
		buffer: buffer,
		sink:   sink,
		logger: logger.WithGroup("security.AuditPump"),
	}
}

// String implements the supervisor.Runnable interface
func (p *AuditPump) String() string {
	return "security.AuditPump"
}

// Run implements the supervisor.Runnable interface
func (p *AuditPump) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel

	p.logger.Debug("Starting audit pump")
	for {
		select {
		case <-runCtx.Done():
			p.flush(context.Background())
			p.logger.Debug("Audit pump shutting down", "dropped_total", p.buffer.Dropped())
			return nil
		case <-p.buffer.notify:
			p.flush(runCtx)
		}
	}
}

func (p *AuditPump) flush(ctx context.Context) {
	recs := p.buffer.Drain()
	if len(recs) == 0 {
		return
	}
	if err := p.sink.Write(ctx, recs); err != nil {
		p.logger.Error("Audit sink write failed", "records", len(recs), "error", err)
	}
}

// Stop implements the supervisor.Runnable interface
func (p *AuditPump) Stop() {
	if p.runCancel != nil {
		p.runCancel()
	}
}
