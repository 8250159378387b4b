package broadcast

import (
	"context"
	"time"

	"tutorbot/internal/pending"
	logx "tutorbot/pkg/logx"
)

const maxFailures = 50

func (s *Service) worker(ctx context.Context) error {
	for {
		// stop wins over queued work
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = start
		st.Running = true
	})
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.targets)))

	for i, t := range j.targets {
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Warn("broadcast job interrupted", logx.String("job", j.id), logx.Int("remaining", len(j.targets)-i))
			break
		}
		body := t.Body
		if body == "" {
			body = j.body
		}
		out := t.Via.Deliver(ctx, t.RecipientID, body)
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			switch out.Status {
			case pending.Delivered:
				st.Delivered++
			case pending.Deferred:
				st.Deferred++
			default:
				st.Failed++
				if len(st.Failures) < maxFailures {
					st.Failures = append(st.Failures, t.Label)
				}
			}
		})
		if out.Status == pending.Failed {
			s.log.Warn("broadcast send failed",
				logx.String("job", j.id),
				logx.String("target", t.Label),
				logx.String("channel", t.Via.Channel()),
				logx.String("detail", out.Result.Detail),
			)
		}
	}

	now := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.DoneAt = now
		st.Running = false
	})
	s.pruneStatus(now)

	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("total", st.Total),
		logx.Int("delivered", st.Delivered),
		logx.Int("deferred", st.Deferred),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 || st.Done < st.Total {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
	if j.onDone != nil {
		j.onDone(st)
	}
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}
