package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tutorbot/internal/connectivity"
	"tutorbot/internal/notifier/broadcast"
	"tutorbot/internal/report"
	logx "tutorbot/pkg/logx"
)

// Broadcaster runs bulk sends (see broadcast.Service).
type Broadcaster interface {
	NewJob(name string, targets []broadcast.Target, body string, onDone func(broadcast.JobStatus)) (string, error)
	Status(id string) (broadcast.JobStatus, bool)
	Recent(n int) []broadcast.JobStatus
}

func (s *Service) broadcastCommands() []Command {
	if s.d.Broadcast == nil {
		return nil
	}
	return []Command{
		{
			Name:        "broadcast",
			Description: "send a template to every linked student or guardian",
			Usage:       "/broadcast student|guardian [--teacher=NAME] [--type=WORD] [--exams=N] [--attendance=N] [--payments=N] <template>",
			Access:      AccessOwnerOnly,
			Handle:      s.handleBroadcast,
		},
		{
			Name:        "broadcasts",
			Description: "recent broadcast jobs",
			Usage:       "/broadcasts [id]",
			Access:      AccessOwnerOnly,
			Handle:      s.handleBroadcasts,
		},
	}
}

func (s *Service) handleBroadcast(ctx context.Context, req *Request) error {
	pos, flags, tmpl := leadingArgs(req.Text, 1, reportFlags...)
	if len(pos) < 1 || strings.TrimSpace(tmpl) == "" {
		return req.Reply(ctx, "usage: /broadcast student|guardian [options] <template>")
	}
	role, ok := parseRole(pos[0])
	if !ok {
		return req.Reply(ctx, "audience must be student or guardian")
	}

	students, err := s.d.Students.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	targets := make([]broadcast.Target, 0, len(students))
	skipped := 0
	for _, st := range students {
		q, recipient, err := s.route(st, role)
		if err != nil {
			skipped++
			continue
		}
		d, err := s.reportData(ctx, st, role, flags)
		if err != nil {
			return replyOrFail(ctx, req, err)
		}
		targets = append(targets, broadcast.Target{
			Label:       st.Code,
			RecipientID: recipient,
			Via:         q,
			Body:        report.Custom(tmpl, d),
		})
	}

	notice := &chatNotice{ctx: ctx, out: req.out, chatID: req.ChatID}
	if sup := s.d.Sup; sup != nil {
		notice.ctx = sup.Context()
	}
	name := role.String() + "s"
	id, err := s.d.Broadcast.NewJob(name, targets, "", func(st broadcast.JobStatus) {
		sev := connectivity.SeverityInfo
		if st.Failed > 0 || st.Done < st.Total {
			sev = connectivity.SeverityError
		}
		notice.Notify("Broadcast "+st.ID+" finished.\n"+formatJob(st), sev)
	})
	switch {
	case errors.Is(err, broadcast.ErrNoTargets):
		return req.Reply(ctx, fmt.Sprintf("No linked %ss to send to (%d without a chat).", role, skipped))
	case err != nil:
		req.Logger.Warn("broadcast not queued", logx.Err(err))
		return req.Reply(ctx, "Broadcast not queued: "+err.Error())
	}
	msg := fmt.Sprintf("📣 Broadcast %s queued for %d %ss.", id, len(targets), role)
	if skipped > 0 {
		msg += fmt.Sprintf("\nSkipped %d without a linked chat.", skipped)
	}
	return req.Reply(ctx, msg)
}

func (s *Service) handleBroadcasts(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		st, ok := s.d.Broadcast.Status(req.Args[0])
		if !ok {
			return req.Reply(ctx, "no broadcast "+req.Args[0])
		}
		return req.Reply(ctx, st.ID+" ("+st.Name+")\n"+formatJob(st))
	}
	recent := s.d.Broadcast.Recent(5)
	if len(recent) == 0 {
		return req.Reply(ctx, "No broadcasts yet.")
	}
	var b strings.Builder
	for i, st := range recent {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(st.ID + " (" + st.Name + ")\n" + formatJob(st))
	}
	return req.Reply(ctx, b.String())
}

func formatJob(st broadcast.JobStatus) string {
	state := "queued"
	switch {
	case st.Finished():
		state = "finished"
	case st.Running:
		state = "running"
	}
	out := fmt.Sprintf("%s: %d/%d handled, %d sent, %d queued for later, %d failed",
		state, st.Done, st.Total, st.Delivered, st.Deferred, st.Failed)
	if len(st.Failures) > 0 {
		out += "\nFailed: " + strings.Join(st.Failures, ", ")
	}
	return out
}

var _ broadcast.Deliverer = Queue(nil)
