package notify

import (
	"fmt"
	"sync"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Sender is the part of *tgbot.BotAPI the notifier uses
type Sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram sends controller events to a chat from its own goroutine.
// A nil *Telegram is a valid no-op notifier.
type Telegram struct {
	sender Sender
	chatID int64
	tag    int64
	symbol string
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	closed      bool
	lastFailure string
	messages    chan string
	done        chan struct{}
	startOnce   sync.Once
	closeOnce   sync.Once
}

// NewTelegram connects to the bot API. It returns nil, nil when token or
// chat id is unset so callers can register the result unconditionally.
func NewTelegram(token string, chatID int64, tag int64, symbol string, logger *zap.SugaredLogger) (*Telegram, error) {
	if token == "" || chatID == 0 {
		logger.Infow("[TELEGRAM] Notifications disabled")
		return nil, nil
	}

	bot, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	logger.Infow("[TELEGRAM] Authorized", "bot", bot.Self.UserName)
	return newTelegram(bot, chatID, tag, symbol, logger), nil
}

func newTelegram(sender Sender, chatID int64, tag int64, symbol string, logger *zap.SugaredLogger) *Telegram {
	return &Telegram{
		sender:   sender,
		chatID:   chatID,
		tag:      tag,
		symbol:   symbol,
		logger:   logger,
		messages: make(chan string, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the sender
func (t *Telegram) Start() {
	if t == nil {
		return
	}
	t.startOnce.Do(func() {
		go t.run()
	})
}

// Close sends what is queued and stops the sender
func (t *Telegram) Close() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		t.Start()

		t.mu.Lock()
		t.closed = true
		close(t.messages)
		t.mu.Unlock()

		<-t.done
	})
}

func (t *Telegram) run() {
	defer close(t.done)

	for text := range t.messages {
		if _, err := t.sender.Send(tgbot.NewMessage(t.chatID, text)); err != nil {
			t.logger.Warnw("[TELEGRAM] Send failed", "error", err)
		}
	}
}

// Send queues a message; a full queue drops it
func (t *Telegram) Send(text string) {
	if t == nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return
	}

	select {
	case t.messages <- text:
	default:
		t.logger.Warnw("[TELEGRAM] Queue full, dropping message")
	}
}

func (t *Telegram) header() string {
	return fmt.Sprintf("[%s #%d]", t.symbol, t.tag)
}

func (t *Telegram) OrderSubmitted(req types.OrderRequest, handle types.Handle) {
	if t == nil {
		return
	}
	t.Send(fmt.Sprintf("%s Opened %s %s @ %s\nSL %s / TP %s",
		t.header(), req.Side, req.Lots, req.Price, req.StopLoss, req.TakeProfit))
}

func (t *Telegram) StopMoved(pos types.Position, from, to decimal.Decimal) {
	if t == nil {
		return
	}
	t.Send(fmt.Sprintf("%s Trailing stop %s -> %s", t.header(), from, to))
}

func (t *Telegram) TradeClosed(trade types.ClosedTrade) {
	if t == nil {
		return
	}
	result := "loss"
	if trade.Scored {
		result = "scored"
	}
	t.Send(fmt.Sprintf("%s Closed %s (%s)\nBalance %s -> %s",
		t.header(), trade.Side, result,
		trade.BalanceBefore.StringFixed(2), trade.BalanceAfter.StringFixed(2)))
}

// VenueFailed reports a failure once until a different one occurs or the venue recovers
func (t *Telegram) VenueFailed(err *types.VenueError) {
	if t == nil {
		return
	}

	key := fmt.Sprintf("%s/%d", err.Op, err.Code)
	t.mu.Lock()
	repeated := key == t.lastFailure
	t.lastFailure = key
	t.mu.Unlock()

	if repeated {
		return
	}
	t.Send(fmt.Sprintf("%s Venue error: %s", t.header(), err.Error()))
}

// VenueRecovered reports the end of an outage and re-arms failure reporting
func (t *Telegram) VenueRecovered() {
	if t == nil {
		return
	}

	t.mu.Lock()
	was := t.lastFailure
	t.lastFailure = ""
	t.mu.Unlock()

	if was == "" {
		return
	}
	t.Send(fmt.Sprintf("%s Venue recovered", t.header()))
}
