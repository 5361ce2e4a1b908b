// Package telegram adapts the go-telegram Bot API client to the chat surface the
// bot uses: long polling, text messages, document uploads and forwards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/utils"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	maxRetries    = 3
	maxRetryAfter = time.Minute
)

// Client implements the bot's Chat on top of the Bot API.
type Client struct {
	api    *tgbot.Bot
	token  string
	log    logger.Logger
	handle func(context.Context, *models.Message)
}

type options struct {
	baseURL string
	http    *http.Client
}

type Option func(*options)

// WithBaseURL points the client at another API server (local Bot API server, tests).
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.http = h }
}

// New returns a client for token. pollTimeout is the server side long polling wait.
// The token is not checked against the API until the first call.
func New(token string, pollTimeout time.Duration, log logger.Logger, opts ...Option) (*Client, error) {
	o := options{baseURL: DefaultBaseURL, http: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{token: token, log: log}
	api, err := tgbot.New(token,
		tgbot.WithServerURL(o.baseURL),
		tgbot.WithHTTPClient(pollTimeout, o.http),
		tgbot.WithSkipGetMe(),
		tgbot.WithNotAsyncHandlers(),
		tgbot.WithDefaultHandler(c.dispatch),
		tgbot.WithErrorsHandler(func(err error) {
			log.Warn("polling failed", logger.Error(c.wrap("getUpdates", err)))
		}),
	)
	if err != nil {
		return nil, c.wrap("init", err)
	}
	c.api = api
	return c, nil
}

// Poll hands every received message to handle, in order, until ctx is done.
func (c *Client) Poll(ctx context.Context, handle func(context.Context, *models.Message)) error {
	c.handle = handle
	c.api.Start(ctx)
	return ctx.Err()
}

func (c *Client) dispatch(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || c.handle == nil {
		return
	}
	c.handle(ctx, update.Message)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	var msg *models.Message
	err := c.retry(ctx, "sendMessage", func() (err error) {
		msg, err = c.api.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID:          chatID,
			Text:            text,
			ReplyParameters: replyParams(replyTo),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(msg.ID), nil
}

// EditMessage replaces the text of a sent message. Editing to the same text is not an error.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	err := c.retry(ctx, "editMessageText", func() error {
		_, err := c.api.EditMessageText(ctx, &tgbot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: int(messageID),
			Text:      text,
		})
		return err
	})
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.retry(ctx, "deleteMessage", func() error {
		_, err := c.api.DeleteMessage(ctx, &tgbot.DeleteMessageParams{
			ChatID:    chatID,
			MessageID: int(messageID),
		})
		return err
	})
}

func (c *Client) ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) error {
	return c.retry(ctx, "forwardMessage", func() error {
		_, err := c.api.ForwardMessage(ctx, &tgbot.ForwardMessageParams{
			ChatID:     toChatID,
			FromChatID: fromChatID,
			MessageID:  int(messageID),
		})
		return err
	})
}

// SendDocument uploads the file at path. The file is reopened on every attempt.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string, replyTo int64) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	var msg *models.Message
	err := c.retry(ctx, "sendDocument", func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer utils.Close(f)

		msg, err = c.api.SendDocument(ctx, &tgbot.SendDocumentParams{
			ChatID:          chatID,
			Document:        &models.InputFileUpload{Filename: filepath.Base(path), Data: f},
			Caption:         caption,
			ReplyParameters: replyParams(replyTo),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(msg.ID), nil
}

func replyParams(replyTo int64) *models.ReplyParameters {
	if replyTo == 0 {
		return nil
	}
	return &models.ReplyParameters{MessageID: int(replyTo), AllowSendingWithoutReply: true}
}

// retry runs call again when the API asks to slow down, up to maxRetries times.
func (c *Client) retry(ctx context.Context, method string, call func() error) error {
	for attempt := 0; ; attempt++ {
		err := call()

		var tooMany *tgbot.TooManyRequestsError
		if errors.As(err, &tooMany) && attempt < maxRetries {
			wait := min(time.Duration(max(tooMany.RetryAfter, 1))*time.Second, maxRetryAfter)
			c.log.Warn("telegram rate limited",
				logger.String("method", method),
				logger.Duration("retry_after", wait))
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		return c.wrap(method, err)
	}
}

// wrap names the method and strips the bot token, which the request URL carries.
func (c *Client) wrap(method string, err error) error {
	if err == nil {
		return nil
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		err = errors.New(strings.ReplaceAll(err.Error(), c.token, "<token>"))
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
