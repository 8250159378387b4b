package bot

import (
	"context"
	"strconv"
	"time"

	"tutorbot/internal/connectivity"
	"tutorbot/internal/pending"
)

// chatNotice shows operator notices in a chat. It satisfies
// connectivity.Notifier so CheckConnection can prompt there directly.
type chatNotice struct {
	ctx    context.Context
	out    Replier
	chatID int64
}

var _ connectivity.Notifier = (*chatNotice)(nil)

func (n *chatNotice) Notify(msg string, sev connectivity.Severity) {
	if n == nil || n.out == nil {
		return
	}
	prefix := "ℹ️ "
	if sev == connectivity.SeverityError {
		prefix = "❌ "
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(n.ctx), 15*time.Second)
	defer cancel()
	_, _ = n.out.SendMessage(ctx, strconv.FormatInt(n.chatID, 10), prefix+msg)
}

// outcomeNotice phrases a send-or-defer outcome for the operator. Offline
// and semantic failures read differently so the operator knows whether a
// later retry can help.
func outcomeNotice(who string, o pending.Outcome) (string, connectivity.Severity) {
	switch {
	case o.Status == pending.Delivered:
		return "Sent to " + who + ".", connectivity.SeverityInfo
	case o.StoreErr != nil && o.Result.Reason.Deferrable():
		return "Sending to " + who + " failed (" + o.Result.Detail + ") and the message could not be queued: " + o.StoreErr.Error(), connectivity.SeverityError
	case o.Status == pending.Deferred && o.Offline():
		return connectivity.OfflineMessage + "\nThe message to " + who + " was queued and will be sent on the next start.", connectivity.SeverityError
	case o.Status == pending.Deferred:
		return "Sending to " + who + " failed: " + o.Result.Detail + ".\nThe message was queued and will be sent on the next start.", connectivity.SeverityError
	default:
		detail := o.Result.Detail
		if detail == "" && o.StoreErr != nil {
			detail = o.StoreErr.Error()
		}
		return "Sending to " + who + " failed: " + detail, connectivity.SeverityError
	}
}
