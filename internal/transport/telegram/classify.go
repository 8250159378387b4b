package telegram

import (
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "tutorbot/internal/transport"
)

// classify turns a telebot failure into a typed delivery error.
//
// Network failures and Bot API 5xx answers are transient. Everything else,
// flood control included, is a rejection: resending the same request a
// second later would be refused again.
func classify(op string, err error) *kit.DeliveryError {
	if err == nil {
		return nil
	}
	if kind, ok := kit.ClassifyNetError(err); ok {
		return kit.NewError(kind, kit.ChannelTelegram, op, "", err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		kind := kit.KindApplication
		if apiErr.Code >= 500 {
			kind = kit.KindConnectivity
		}
		return kit.NewError(kind, kit.ChannelTelegram, op, apiErr.Description, err)
	}

	msg := err.Error()
	if code, ok := trailingCode(msg); ok && code >= 500 {
		return kit.NewError(kit.KindConnectivity, kit.ChannelTelegram, op, msg, err)
	}
	return kit.NewError(kit.KindApplication, kit.ChannelTelegram, op, msg, err)
}

// trailingCode extracts N from telebot's generic "telegram: <desc> (N)".
func trailingCode(msg string) (int, bool) {
	msg = strings.TrimSpace(msg)
	if !strings.HasSuffix(msg, ")") {
		return 0, false
	}
	open := strings.LastIndexByte(msg, '(')
	if open < 0 {
		return 0, false
	}
	code, err := strconv.Atoi(msg[open+1 : len(msg)-1])
	if err != nil {
		return 0, false
	}
	return code, true
}
