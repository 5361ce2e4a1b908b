package bot

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

const (
	initialStatus  = "⏳ Processing download…"
	progressPrefix = "📥 "
	// progressTimeout bounds one progress edit, the caller is the tool's event forwarder.
	progressTimeout = 10 * time.Second
)

// chatOrigin reports a job through a single status message that is edited in place.
type chatOrigin struct {
	chat     Chat
	chatID   int64
	replyTo  int64
	interval time.Duration
	log      logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	statusID int64
	lastText string
	lastEdit time.Time
}

func newChatOrigin(chat Chat, in Incoming, interval time.Duration, log logger.Logger) *chatOrigin {
	return &chatOrigin{
		chat:     chat,
		chatID:   in.ChatID,
		replyTo:  in.MessageID,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// ChatID is the conversation the job came from.
func (o *chatOrigin) ChatID() int64 { return o.chatID }

// ReplyTo is the message holding the requested link.
func (o *chatOrigin) ReplyTo() int64 { return o.replyTo }

func (o *chatOrigin) Status(ctx context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setLocked(ctx, text)
}

// Progress edits the status at most once per interval. Snapshots arriving in between
// are dropped.
func (o *chatOrigin) Progress(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.statusID == 0 || o.now().Sub(o.lastEdit) < o.interval {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()
	if err := o.setLocked(ctx, progressPrefix+text); err != nil {
		o.log.Debug("progress edit failed", logger.Error(err))
	}
}

// acknowledge shows the queue position unless a worker already took the job.
func (o *chatOrigin) acknowledge(ctx context.Context, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statusID == 0 || o.lastText != initialStatus {
		return
	}
	if err := o.setLocked(ctx, text); err != nil {
		o.log.Debug("queue position edit failed", logger.Error(err))
	}
}

func (o *chatOrigin) Fail(ctx context.Context, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setLocked(ctx, domain.UserMessage(err))
}

func (o *chatOrigin) Done(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.statusID == 0 {
		return nil
	}
	id := o.statusID
	o.statusID = 0
	return o.chat.DeleteMessage(ctx, o.chatID, id)
}

// setLocked posts the status message on first use and edits it afterwards.
func (o *chatOrigin) setLocked(ctx context.Context, text string) error {
	if o.statusID == 0 {
		id, err := o.chat.SendMessage(ctx, o.chatID, text, o.replyTo)
		if err != nil {
			return err
		}
		o.statusID = id
	} else if text != o.lastText {
		if err := o.chat.EditMessage(ctx, o.chatID, o.statusID, text); err != nil {
			return err
		}
	}
	o.lastText = text
	o.lastEdit = o.now()
	return nil
}
