package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "tutorbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// requireOwner answers non-owners and drops the request for owner-only
// commands. Activation stays open to everyone.
func requireOwner(access Access) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if access != AccessOwnerOnly {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if req.Owner {
				return next(ctx, req)
			}
			req.Logger.Warn("unauthorized command")
			_ = req.Reply(ctx, msgUnauthorized)
			return nil
		}
	}
}

func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// recoverPanics turns a handler panic into an error and tells the operator
// the action did not complete.
func recoverPanics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("command panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				_ = req.Reply(context.WithoutCancel(ctx), "⚠️ internal error, nothing was sent")
				err = fmt.Errorf("panic in /%s: %v", req.Command, r)
			}()
			return next(ctx, req)
		}
	}
}

// slowCommand is the duration above which a successful command is logged
// at info level.
const slowCommand = 750 * time.Millisecond

func logRequests() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			fields := []logx.Field{logx.Bool("owner", req.Owner), logx.Duration("took", took)}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command done", fields...)
			}
			return err
		}
	}
}
