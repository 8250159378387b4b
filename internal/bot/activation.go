package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"tutorbot/internal/report"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

// CodeLen is the length of a student code.
const CodeLen = 4

var (
	errNoCode      = errors.New("no activation code")
	errInvalidCode = errors.New("invalid activation code")
)

// ParseActivationCode maps a /start payload to a student code and role.
// A 4-digit payload is the student; anything longer is the guardian of the
// student whose code is the first 4 digits.
func ParseActivationCode(payload string) (code string, role storage.Role, err error) {
	payload = strings.TrimSpace(payload)
	if payload == "" || !isDigits(payload) {
		return "", 0, errNoCode
	}
	switch {
	case len(payload) == CodeLen:
		return payload, storage.RoleStudent, nil
	case len(payload) > CodeLen:
		return payload[:CodeLen], storage.RoleGuardian, nil
	default:
		return "", 0, errInvalidCode
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func (s *Service) startCommand() Command {
	return Command{
		Name:        "start",
		Description: "link this chat with your activation code",
		Usage:       "/start <code>",
		Access:      AccessEveryone,
		Handle:      s.handleStart,
	}
}

func (s *Service) handleStart(ctx context.Context, req *Request) error {
	code, role, err := ParseActivationCode(req.Text)
	switch {
	case errors.Is(err, errNoCode):
		return req.Reply(ctx, report.UsageHint)
	case err != nil:
		return req.Reply(ctx, report.InvalidCode)
	}

	log := req.Logger.With(logx.String("code", code), logx.String("role", role.String()))
	chatID := strconv.FormatInt(req.ChatID, 10)
	if err := s.d.Students.LinkChat(ctx, code, role, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("activation for unknown code")
		} else {
			log.Error("linking chat failed", logx.Err(err))
		}
		return req.Reply(ctx, report.LinkFailed)
	}
	log.Info("chat linked")

	if err := req.Reply(ctx, report.Linked(code, role)); err != nil {
		return err
	}
	st, err := s.d.Students.GetStudent(ctx, code)
	if err != nil {
		return nil
	}
	welcome := report.WelcomeStudent(st.FullName())
	if role == storage.RoleGuardian {
		welcome = report.WelcomeGuardian(st.FullName())
	}
	return req.Reply(ctx, welcome)
}
