package transport

import "context"

// Channel names.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

// Channel delivers outbound messages to one messaging platform.
//
// Each call is a single attempt; retrying is the caller's job. A failure is
// returned as *DeliveryError so the caller can tell transient network
// trouble apart from a rejected request. The returned string is the
// platform's message id on success.
type Channel interface {
	Name() string
	SendMessage(ctx context.Context, recipientID, text string) (string, error)
	SendPhoto(ctx context.Context, recipientID, path, caption string) (string, error)
	SendVideo(ctx context.Context, recipientID, path, caption string) (string, error)
}

// Inbound is implemented by channels that receive chat messages.
type Inbound interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// BotCommand is one entry of a chat client's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by channels that show a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
