// Package bot routes chat commands: the public /start activation and the
// owner-only operator actions that send notifications.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "tutorbot/internal/runtime/supervisor"
	kit "tutorbot/internal/transport"
	logx "tutorbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 uses the router default
	Handle      HandlerFunc
}

// Replier sends plain replies to a chat.
type Replier interface {
	SendMessage(ctx context.Context, recipientID, text string) (string, error)
}

type Request struct {
	Msg     *kit.Message
	ChatID  int64
	FromID  int64
	Command string
	// Text is everything after the command word, unparsed.
	Text      string
	Args      []string // positionals
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string
	Owner     bool
	Logger    logx.Logger

	out Replier
}

// Reply answers in the request's chat. Replies are single attempts; they
// are not deferred when offline.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.out == nil {
		return errors.New("no replier")
	}
	_, err := r.out.SendMessage(ctx, strconv.FormatInt(r.ChatID, 10), text)
	return err
}

const (
	msgUnknown      = "unknown command. try /help"
	msgUnauthorized = "unauthorized"
	msgBusy         = "busy, try again"
)

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	list   []Command
	owners []int64

	log            logx.Logger
	out            Replier
	defaultTimeout time.Duration

	jobs    chan func()
	workers int
}

type RouterOption func(*Router)

func WithWorkers(n int) RouterOption { return func(r *Router) { r.workers = n } }

func WithQueue(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(), n)
		}
	}
}

func WithDefaultTimeout(d time.Duration) RouterOption { return func(r *Router) { r.defaultTimeout = d } }

func NewRouter(out Replier, owners []int64, log logx.Logger, opts ...RouterOption) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:           map[string]*Command{},
		owners:         append([]int64(nil), owners...),
		log:            log.With(logx.String("comp", "bot.router")),
		out:            out,
		defaultTimeout: 30 * time.Second,
		jobs:           make(chan func(), 256),
		workers:        4,
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	r.Register(r.helpCommand())
	return r
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Register adds commands; a later command with the same name replaces the
// earlier one.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cc := c
		kept := r.list[:0]
		for _, old := range r.list {
			if old.Name != name {
				kept = append(kept, old)
			}
		}
		r.list = append(kept, cc)
		r.cmds[name] = &cc
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, exists := r.cmds[a]; !exists {
					r.cmds[a] = &cc
				}
			}
		}
	}
	sort.Slice(r.list, func(i, j int) bool { return r.list[i].Name < r.list[j].Name })
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.list...)
}

// SyncMenu publishes the public commands as the chat client's menu, when
// the replier supports it.
func (r *Router) SyncMenu(ctx context.Context) error {
	up, ok := r.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, buildMenu(r.Commands()))
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
// Handlers run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h, req := r.prepare(ctx, up)
			if h == nil {
				continue
			}
			select {
			case r.jobs <- func() { _ = h(sup.Context(), req) }:
			default:
				_ = req.Reply(ctx, msgBusy)
			}
		}
	}
}

// Handle routes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	h, req := r.prepare(ctx, up)
	if h == nil {
		return nil
	}
	return h(ctx, req)
}

// prepare resolves the command and access for up. A nil handler means the
// update needs no further work (not a command, or already answered).
func (r *Router) prepare(ctx context.Context, up kit.Update) (HandlerFunc, *Request) {
	msg := up.Message
	if msg == nil {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil
	}
	word, rest, _ := strings.Cut(text, " ")
	if nl := strings.IndexAny(word, "\n\t"); nl >= 0 {
		rest = word[nl:] + " " + rest
		word = word[:nl]
	}
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	req := &Request{Msg: msg, ChatID: msg.ChatID, FromID: msg.FromID, out: r.out}

	r.mu.RLock()
	cmdp := r.cmds[word]
	r.mu.RUnlock()
	if cmdp == nil {
		if !msg.IsGroup {
			_ = req.Reply(ctx, msgUnknown)
		}
		return nil, nil
	}
	cmd := *cmdp

	req.Owner = r.isOwner(msg.FromID)
	raw := tokenizeCommandLine(rest)
	pos, flags, bools := parseFlags(raw)
	req.Command = cmd.Name
	req.Text = strings.TrimSpace(rest)
	req.Args = pos
	req.RawArgs = raw
	req.Flags = flags
	req.BoolFlags = bools
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	return Chain(cmd.Handle,
		recoverPanics(),
		logRequests(),
		requireOwner(cmd.Access),
		withDeadline(timeout),
	), req
}

func (r *Router) helpCommand() Command {
	return Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			var b strings.Builder
			b.WriteString("Commands:\n")
			for _, c := range r.Commands() {
				if c.Access == AccessOwnerOnly && !req.Owner {
					continue
				}
				usage := c.Usage
				if usage == "" {
					usage = "/" + c.Name
				}
				b.WriteString(usage)
				if c.Description != "" {
					b.WriteString(" - " + c.Description)
				}
				b.WriteByte('\n')
			}
			return req.Reply(ctx, strings.TrimSpace(b.String()))
		},
	}
}
