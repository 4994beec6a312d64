// Package notify delivers operator notifications (Telegram). Delivery is
// best-effort: the trading path enqueues messages on a bounded channel and
// never waits on the messenger API; send failures are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notifier is the outbound notification interface. Implementations must be
// safe for concurrent use and must never block the caller for long.
type Notifier interface {
	Send(ctx context.Context, text string) error
	SendImage(ctx context.Context, caption string, png []byte) error
}

// Nop is a Notifier that discards everything. Used when no messenger is
// configured and in tests.
type Nop struct{}

func (Nop) Send(context.Context, string) error              { return nil }
func (Nop) SendImage(context.Context, string, []byte) error { return nil }

// Telegram sends messages through the Telegram bot API.
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier. Empty token or chat ID yields a
// notifier that silently drops everything.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		http: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(10 * time.Second),
		token:  token,
		chatID: chatID,
		logger: logger.With("component", "notify"),
	}
}

// Send posts a text message.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if t.token == "" || t.chatID == "" {
		return nil
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// SendImage posts a PNG with a caption.
func (t *Telegram) SendImage(ctx context.Context, caption string, png []byte) error {
	if t.token == "" || t.chatID == "" {
		return nil
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetFileReader("photo", "chart.png", bytes.NewReader(png)).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"caption": caption,
		}).
		Post(fmt.Sprintf("/bot%s/sendPhoto", t.token))
	if err != nil {
		return fmt.Errorf("telegram send image: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram send image: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Worker decouples notification senders from the trading path: Send queues
// on a bounded channel drained by Run; a full queue drops the message.
type Worker struct {
	inner  Notifier
	ch     chan string
	logger *slog.Logger
}

var _ Notifier = (*Worker)(nil)

// NewWorker wraps inner with an async queue of the given size.
func NewWorker(inner Notifier, queueSize int, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Worker{
		inner:  inner,
		ch:     make(chan string, queueSize),
		logger: logger.With("component", "notify_worker"),
	}
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case text := <-w.ch:
			w.deliver(text)
		}
	}
}

func (w *Worker) flush() {
	for {
		select {
		case text := <-w.ch:
			w.deliver(text)
		default:
			return
		}
	}
}

func (w *Worker) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.inner.Send(ctx, text); err != nil {
		w.logger.Warn("notification send failed", "error", err)
	}
}

// Send enqueues text without blocking. Never returns an error: a full queue
// drops the message with a log line.
func (w *Worker) Send(_ context.Context, text string) error {
	select {
	case w.ch <- text:
	default:
		w.logger.Warn("notification queue full, dropping message")
	}
	return nil
}

// SendImage bypasses the queue; images only go out from the report path
// where blocking briefly is acceptable.
func (w *Worker) SendImage(ctx context.Context, caption string, png []byte) error {
	return w.inner.SendImage(ctx, caption, png)
}
