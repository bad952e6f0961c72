package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// RatePerSec caps outbound sends; Telegram throttles bots hard, so the
	// adapter enforces its own client-side limit. Default 25.
	RatePerSec int
}

// Adapter implements transport.Client on top of telebot.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (a *Adapter) Channel() string { return "telegram" }

func (a *Adapter) LookupRecipient(ctx context.Context, id string) (*transport.Recipient, error) {
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errors.New("recipient id is not numeric: " + id)
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return nil, err
	}
	r := &transport.Recipient{
		ID:        strconv.FormatInt(chat.ID, 10),
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}
	r.DisplayName = displayName(r)
	return r, nil
}

func (a *Adapter) SendDirectMessage(ctx context.Context, to *transport.Recipient, msg transport.Outgoing) error {
	if to == nil {
		return errors.New("nil recipient")
	}
	chatID, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil {
		return errors.New("recipient id is not numeric: " + to.ID)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = a.bot.Send(&tele.Chat{ID: chatID}, renderOutgoing(msg), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		a.log.Debug("telegram send failed", logx.String("to", to.ID), logx.Err(err))
	}
	return err
}

// renderOutgoing flattens embeds into trailing text; Telegram has no
// embed primitive.
func renderOutgoing(msg transport.Outgoing) string {
	if len(msg.Embeds) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, e := range msg.Embeds {
		b.WriteString("\n\n")
		if e.Title != "" {
			b.WriteString(e.Title)
			b.WriteString("\n")
		}
		if e.Description != "" {
			b.WriteString(e.Description)
			b.WriteString("\n")
		}
		if e.URL != "" {
			b.WriteString(e.URL)
		}
	}
	return b.String()
}

func displayName(r *transport.Recipient) string {
	name := strings.TrimSpace(r.FirstName + " " + r.LastName)
	if name != "" {
		return name
	}
	if r.Username != "" {
		return "@" + r.Username
	}
	return r.ID
}
