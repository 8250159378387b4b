// Package pending keeps notifications that could not be delivered because
// the network was unavailable, and resends them later.
//
// A Store is bound to one channel. Records are flushed in insertion order;
// each is deleted right after a successful resend, so a crash mid-flush can
// at worst deliver one message twice, never lose one.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/notifier"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

var ErrNoDispatcher = errors.New("pending: no dispatcher")

// Sender is the part of notifier.Dispatcher the store needs.
type Sender interface {
	Channel() string
	Send(ctx context.Context, recipientID, body string) notifier.Result
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Store) { s.bus = bus } }

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type Store struct {
	db     storage.PendingStore
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(db storage.PendingStore, sender Sender, opts ...Option) *Store {
	s := &Store{db: db, sender: sender, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "pending"), logx.String("channel", s.Channel()))
	return s
}

func (s *Store) Channel() string {
	if s.sender == nil {
		return ""
	}
	return s.sender.Channel()
}

// Enqueue durably records one undelivered message. A zero createdAt means now.
func (s *Store) Enqueue(ctx context.Context, recipientID, body string, createdAt time.Time) (storage.PendingRecord, error) {
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	rec, err := s.db.InsertPending(ctx, storage.PendingRecord{
		ID:          uuid.NewString(),
		Channel:     s.Channel(),
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   createdAt.UTC(),
	})
	if err != nil {
		return storage.PendingRecord{}, fmt.Errorf("enqueue pending: %w", err)
	}
	s.log.Info("notification deferred",
		logx.String("id", rec.ID),
		logx.Recipient(recipientID),
	)
	s.publish(eventbus.TypePendingDeferred, rec)
	return rec, nil
}

// FlushResult describes one FlushAll pass.
type FlushResult struct {
	Channel   string
	Total     int
	Delivered int
	Failed    int
}

// FlushAll resends every record of this channel, oldest first. It returns
// the number delivered. Records that still fail stay queued.
func (s *Store) FlushAll(ctx context.Context) (int, error) {
	res, err := s.Flush(ctx)
	return res.Delivered, err
}

func (s *Store) Flush(ctx context.Context) (FlushResult, error) {
	if s.sender == nil {
		return FlushResult{}, ErrNoDispatcher
	}
	recs, err := s.db.ListPending(ctx, s.Channel())
	if err != nil {
		return FlushResult{Channel: s.Channel()}, fmt.Errorf("list pending: %w", err)
	}
	out := FlushResult{Channel: s.Channel(), Total: len(recs)}
	if len(recs) == 0 {
		return out, nil
	}
	s.log.Info("flushing pending notifications", logx.Int("count", len(recs)))

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res := s.sender.Send(ctx, rec.RecipientID, rec.Body)
		if !res.Delivered {
			out.Failed++
			s.log.Warn("pending notification still undeliverable",
				logx.String("id", rec.ID),
				logx.Recipient(rec.RecipientID),
				logx.String("reason", res.Reason.String()),
				logx.String("detail", res.Detail),
			)
			continue
		}
		if err := s.db.DeletePending(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return out, fmt.Errorf("delete pending %s: %w", rec.ID, err)
		}
		out.Delivered++
	}

	s.log.Info("pending flush finished",
		logx.Int("delivered", out.Delivered),
		logx.Int("failed", out.Failed),
	)
	s.publish(eventbus.TypePendingFlushed, out)
	return out, nil
}

// Stats reports the queue for this channel.
func (s *Store) Stats(ctx context.Context) (storage.PendingStats, error) {
	return s.db.PendingStats(ctx, s.Channel())
}

// List returns at most limit records of this channel; limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]storage.PendingRecord, error) {
	recs, err := s.db.ListPending(ctx, s.Channel())
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
