package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

// Telegram message text limit; longer alerts are truncated.
const telegramTextLimit = 4096

type TelegramConfig struct {
	Token        string
	ChatID       int64
	ThreadID     int
	PollTimeout  time.Duration
	DisableLinks bool
}

// Telegram sends alerts to one chat. The bot is created on first use so a
// slow Telegram API does not hold up startup.
type Telegram struct {
	cfg TelegramConfig

	mu  sync.Mutex
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Telegram{cfg: cfg}, nil
}

func (t *Telegram) client() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  t.cfg.Token,
		Poller: &tele.LongPoller{Timeout: t.cfg.PollTimeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	t.bot = b
	return b, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := t.client()
	if err != nil {
		return err
	}
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit-3] + "..."
	}
	_, err = b.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: t.cfg.DisableLinks,
	})
	return errors.Wrap(err, "telegram send")
}
