// Package telegram is the send-only delivery edge. It owns the Bot API
// session and the transient/permanent classification of send failures;
// retry policy lives one layer up in the dispatcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "bsemon/pkg/logx"
)

const (
	defaultParseMode   = tele.ModeHTML
	defaultSendTimeout = 15 * time.Second
)

// ErrBadRecipient marks a recipient whose channel id is not a numeric chat
// id. It is permanent: retrying cannot fix a malformed id.
var ErrBadRecipient = errors.New("recipient is not a numeric chat id")

type Config struct {
	Token       string
	ParseMode   string        // default HTML
	SendTimeout time.Duration // per-request bound on the Bot API call
	Offline     bool          // skip the getMe handshake (tests)
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = defaultParseMode
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		// No poller: this adapter only sends. The client timeout is the
		// only thing bounding an individual sendMessage call.
		Client: &http.Client{Timeout: cfg.SendTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, bot: b, log: log}, nil
}

// SendText delivers one message to one recipient. It returns the transport
// error as-is; callers use IsPermanent/RetryAfter to decide on retries.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadRecipient, channelID)
	}

	_, err = a.bot.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{
		ParseMode:             a.cfg.ParseMode,
		DisableWebPagePreview: true,
	})
	return err
}

// IsPermanent reports whether a send failure cannot be fixed by retrying:
// malformed recipients, and Bot API 4xx rejections other than rate limits
// (bad chat id, bot blocked by the user, malformed markup).
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBadRecipient) {
		return true
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return false
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

// RetryAfter extracts the server-requested wait from a rate-limit rejection.
// ok is false for every other error.
func RetryAfter(err error) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return time.Duration(flood.RetryAfter) * time.Second, true
	}
	return 0, false
}
