package bot

import "context"

// Chat is the part of the messaging API the bot talks to.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendDocument(ctx context.Context, chatID int64, path, caption string, replyTo int64) (int64, error)
	ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) error
}

// Incoming is one text message received from a user.
type Incoming struct {
	ChatID    int64
	MessageID int64
	UserID    int64
	Text      string
}
