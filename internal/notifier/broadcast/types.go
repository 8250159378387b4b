package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tutorbot/internal/pending"
	rtsup "tutorbot/internal/runtime/supervisor"
	logx "tutorbot/pkg/logx"
)

type Config struct {
	Workers    int // default 2
	RatePerSec int // default 10; paces recipients across all jobs
	QueueSize  int // default 16
}

// Deliverer is the send-or-defer path of one channel (see pending.Store).
type Deliverer interface {
	Channel() string
	Deliver(ctx context.Context, recipientID, body string) pending.Outcome
}

// Target is one recipient of a job. Label names it in status output; Body,
// when set, replaces the job body for this recipient.
type Target struct {
	Label       string
	RecipientID string
	Body        string
	Via         Deliverer
}

type job struct {
	id      string
	name    string
	targets []Target
	body    string
	onDone  func(JobStatus)
}

type JobStatus struct {
	ID        string
	Name      string
	Total     int
	Done      int
	Delivered int
	Deferred  int
	Failed    int
	// Failures lists labels of failed targets (bounded).
	Failures  []string
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Finished reports whether every target was handled.
func (s JobStatus) Finished() bool { return !s.DoneAt.IsZero() }

type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan job
	sup     *rtsup.Supervisor
	seq     uint64

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
