package bot

import (
	"context"
	"fmt"
	"strconv"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// chatTarget is implemented by origins that know where the job came from.
type chatTarget interface {
	ChatID() int64
	ReplyTo() int64
}

// chatSink uploads the artifact back to the requesting chat and, when configured,
// forwards the uploaded message to the user's secondary chat.
type chatSink struct {
	chat     Chat
	maxBytes int64
	log      logger.Logger
}

// NewSink returns a sink delivering through chat. maxBytes <= 0 disables the size check.
func NewSink(chat Chat, maxBytes int64, log logger.Logger) domain.Sink {
	return &chatSink{chat: chat, maxBytes: maxBytes, log: log}
}

func (s *chatSink) Deliver(ctx context.Context, job *domain.Job, art domain.Artifact) error {
	target, ok := job.Origin.(chatTarget)
	if !ok {
		return domain.E(domain.KindDeliveryFailure, "bot.deliver", "job has no chat to deliver to", nil)
	}
	if s.maxBytes > 0 && art.SizeBytes > s.maxBytes {
		return domain.E(domain.KindDeliveryFailure, "bot.deliver",
			fmt.Sprintf("file is %.2f MB, the chat accepts at most %.0f MB", art.SizeMB(), float64(s.maxBytes)/(1<<20)), nil)
	}

	msgID, err := s.chat.SendDocument(ctx, target.ChatID(), art.Path, "✅ "+art.Name, target.ReplyTo())
	if err != nil {
		return domain.E(domain.KindDeliveryFailure, "bot.deliver", "upload failed", err)
	}

	if job.Delivery.ForwardTo == "" {
		return nil
	}
	fwd, err := strconv.ParseInt(job.Delivery.ForwardTo, 10, 64)
	if err != nil {
		s.log.Warn("invalid forwarder", logger.String("forward_to", job.Delivery.ForwardTo))
		return nil
	}
	if err := s.chat.ForwardMessage(ctx, fwd, target.ChatID(), msgID); err != nil {
		s.log.Warn("forward failed",
			logger.String("job_id", job.ID),
			logger.Int64("forward_to", fwd),
			logger.Error(err))
	}
	return nil
}
