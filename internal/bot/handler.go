package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/users"
)

const (
	msgAdminReady    = "👋 Admin ready.\nSend any desktop TeraBox link."
	msgUserReady     = "Send TeraBox link."
	msgDenied        = "⛔ Access denied."
	msgGranted       = "✅ Access granted"
	msgRevoked       = "✅ Access revoked"
	msgForwardOff    = "✅ Forwarding disabled"
	msgShuttingDown  = "⚠️ The bot is restarting, please resend the link."
	msgStoreProblem  = "⚠️ Could not read the access list, try again later."
	usageGrant       = "Usage: /grantaccess <user id>"
	usageRevoke      = "Usage: /revokeaccess <user id>"
	usageSetForward  = "Usage: /setforwarder <chat id>"
	defaultReplyWait = 10 * time.Second
)

// Submitter accepts jobs for processing and returns their queue position.
type Submitter interface {
	Push(job *domain.Job) (int, error)
}

// Links detects and admits requested links.
type Links interface {
	Matches(text string) bool
	Extract(text string) string
	Admit(raw string) (string, error)
}

// Handler turns chat messages into commands and download jobs.
type Handler struct {
	chat     Chat
	users    *users.Store
	links    Links
	jobs     Submitter
	adminID  int64
	interval time.Duration
	log      logger.Logger
}

// NewHandler wires the chat surface. interval throttles progress edits.
func NewHandler(chat Chat, store *users.Store, links Links, jobs Submitter, adminID int64, interval time.Duration, log logger.Logger) *Handler {
	return &Handler{
		chat:     chat,
		users:    store,
		links:    links,
		jobs:     jobs,
		adminID:  adminID,
		interval: interval,
		log:      log,
	}
}

// Handle processes one incoming message. It never blocks on the job itself.
func (h *Handler) Handle(ctx context.Context, in Incoming) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		h.command(ctx, in, text)
		return
	}
	if h.links.Matches(text) {
		h.submit(ctx, in, text)
	}
}

func (h *Handler) command(ctx context.Context, in Incoming, text string) {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	// "/start@SomeBot" in group chats
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	args := fields[1:]

	switch name {
	case "/start":
		h.start(ctx, in)
	case "/grantaccess":
		h.adminOnly(ctx, in, args, usageGrant, func(uid int64) (string, error) {
			return msgGranted, h.users.Grant(uid)
		})
	case "/revokeaccess":
		h.adminOnly(ctx, in, args, usageRevoke, func(uid int64) (string, error) {
			return msgRevoked, h.users.Revoke(uid)
		})
	case "/listusers":
		h.listUsers(ctx, in)
	case "/setforwarder":
		h.setForwarder(ctx, in, args)
	case "/clearforwarder":
		h.clearForwarder(ctx, in)
	}
}

func (h *Handler) start(ctx context.Context, in Incoming) {
	if in.UserID == h.adminID {
		h.reply(ctx, in, msgAdminReady)
		return
	}
	ok, err := h.users.IsAuthorized(in.UserID)
	switch {
	case err != nil:
		h.log.Error("authorization lookup failed", logger.Int64("user_id", in.UserID), logger.Error(err))
		h.reply(ctx, in, msgStoreProblem)
	case ok:
		h.reply(ctx, in, msgUserReady)
	default:
		h.reply(ctx, in, msgDenied)
	}
}

// adminOnly runs fn with the user id argument. Non-admin senders are ignored.
func (h *Handler) adminOnly(ctx context.Context, in Incoming, args []string, usage string, fn func(uid int64) (string, error)) {
	if in.UserID != h.adminID {
		return
	}
	uid, err := parseID(args)
	if err != nil {
		h.reply(ctx, in, usage)
		return
	}
	msg, err := fn(uid)
	if err != nil {
		h.log.Error("access update failed", logger.Int64("user_id", uid), logger.Error(err))
		h.reply(ctx, in, "❌ "+err.Error())
		return
	}
	h.log.Info("access updated", logger.Int64("user_id", uid), logger.String("result", msg))
	h.reply(ctx, in, msg)
}

func (h *Handler) listUsers(ctx context.Context, in Incoming) {
	if in.UserID != h.adminID {
		return
	}
	ids, err := h.users.List()
	if err != nil {
		h.reply(ctx, in, msgStoreProblem)
		return
	}
	if len(ids) == 0 {
		h.reply(ctx, in, "No authorized users.")
		return
	}
	var b strings.Builder
	b.WriteString("Authorized users:")
	for _, id := range ids {
		fmt.Fprintf(&b, "\n• %d", id)
	}
	h.reply(ctx, in, b.String())
}

func (h *Handler) setForwarder(ctx context.Context, in Incoming, args []string) {
	if !h.allowed(ctx, in) {
		return
	}
	chatID, err := parseID(args)
	if err != nil {
		h.reply(ctx, in, usageSetForward)
		return
	}
	if err := h.forwarder(in.UserID, &chatID); err != nil {
		h.reply(ctx, in, "❌ "+err.Error())
		return
	}
	h.reply(ctx, in, fmt.Sprintf("✅ Files will also be forwarded to %d", chatID))
}

func (h *Handler) clearForwarder(ctx context.Context, in Incoming) {
	if !h.allowed(ctx, in) {
		return
	}
	if err := h.forwarder(in.UserID, nil); err != nil {
		h.reply(ctx, in, "❌ "+err.Error())
		return
	}
	h.reply(ctx, in, msgForwardOff)
}

func (h *Handler) submit(ctx context.Context, in Incoming, text string) {
	if !h.allowed(ctx, in) {
		return
	}

	// the job keeps the link as sent; whoever fetches normalizes it again
	link := h.links.Extract(text)
	if _, err := h.links.Admit(link); err != nil {
		h.reply(ctx, in, domain.UserMessage(err))
		return
	}

	origin := newChatOrigin(h.chat, in, h.interval, h.log)
	if err := origin.Status(ctx, initialStatus); err != nil {
		h.log.Warn("status message failed", logger.Int64("chat_id", in.ChatID), logger.Error(err))
	}
	job := domain.NewJob(link, origin, h.delivery(in.UserID))

	pos, err := h.jobs.Push(job)
	if err != nil {
		h.log.Warn("job rejected", logger.String("url", link), logger.Error(err))
		if ferr := origin.Fail(ctx, domain.E(domain.KindShutdown, "bot.submit", "", err)); ferr != nil {
			h.reply(ctx, in, msgShuttingDown)
		}
		return
	}
	h.log.Info("job queued",
		logger.String("job_id", job.ID),
		logger.Int64("user_id", in.UserID),
		logger.Int("position", pos))

	if pos > 1 {
		origin.acknowledge(ctx, fmt.Sprintf("⏳ Queued (position %d)", pos))
	}
}

// allowed reports whether the sender may use the bot. Unknown senders get no answer.
func (h *Handler) allowed(ctx context.Context, in Incoming) bool {
	if in.UserID == h.adminID {
		return true
	}
	ok, err := h.users.IsAuthorized(in.UserID)
	if err != nil {
		h.log.Error("authorization lookup failed", logger.Int64("user_id", in.UserID), logger.Error(err))
		h.reply(ctx, in, msgStoreProblem)
		return false
	}
	return ok
}

func (h *Handler) forwarder(uid int64, chatID *int64) error {
	if uid == h.adminID {
		// the admin needs a record to hold a forwarder
		if err := h.users.Grant(uid); err != nil {
			return err
		}
	}
	return h.users.SetForwarder(uid, chatID)
}

func (h *Handler) delivery(uid int64) domain.DeliveryConfig {
	rec, ok, err := h.users.Get(uid)
	if err != nil || !ok || rec.Forwarder == nil {
		return domain.DeliveryConfig{}
	}
	return domain.DeliveryConfig{ForwardTo: strconv.FormatInt(*rec.Forwarder, 10)}
}

func (h *Handler) reply(ctx context.Context, in Incoming, text string) {
	ctx, cancel := context.WithTimeout(ctx, defaultReplyWait)
	defer cancel()
	if _, err := h.chat.SendMessage(ctx, in.ChatID, text, in.MessageID); err != nil {
		h.log.Warn("reply failed", logger.Int64("chat_id", in.ChatID), logger.Error(err))
	}
}

var errMissingID = errors.New("missing id")

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errMissingID
	}
	return strconv.ParseInt(args[0], 10, 64)
}
