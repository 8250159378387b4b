package pending

import (
	"context"

	"tutorbot/internal/notifier"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

type Status int

const (
	Delivered Status = iota
	// Deferred: not sent now, kept for the next flush.
	Deferred
	// Failed: the channel rejected the message, or deferring it failed.
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	default:
		return "failed"
	}
}

// Outcome is what a UI action reports to the operator.
type Outcome struct {
	Status Status
	Result notifier.Result
	Record storage.PendingRecord // set when Deferred
	// StoreErr is set when the message should have been deferred but could
	// not be stored; the message is lost.
	StoreErr error
}

// Offline reports whether the send was skipped because the cached status
// was offline, which callers surface as "no internet connection".
func (o Outcome) Offline() bool { return o.Result.Reason == notifier.ReasonOffline }

// Deliver sends body now and defers it when the failure is
// connectivity-related.
func (s *Store) Deliver(ctx context.Context, recipientID, body string) Outcome {
	if s.sender == nil {
		return Outcome{Status: Failed, StoreErr: ErrNoDispatcher}
	}
	res := s.sender.Send(ctx, recipientID, body)
	if res.Delivered {
		return Outcome{Status: Delivered, Result: res}
	}
	if !res.Reason.Deferrable() {
		return Outcome{Status: Failed, Result: res}
	}
	// ctx may already be canceled when the retries were cut short.
	rec, err := s.Enqueue(context.WithoutCancel(ctx), recipientID, body, s.now())
	if err != nil {
		s.log.Error("deferring notification failed; message lost", logx.Recipient(recipientID), logx.Err(err))
		return Outcome{Status: Failed, Result: res, StoreErr: err}
	}
	return Outcome{Status: Deferred, Result: res, Record: rec}
}
