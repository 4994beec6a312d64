package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects sent messages for assertions.
type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recorder) SendImage(context.Context, string, []byte) error { return nil }

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestWorkerDeliversQueued(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := NewWorker(rec, 8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Send(context.Background(), "hello")
	w.Send(context.Background(), "world")

	deadline := time.After(time.Second)
	for len(rec.messages()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("delivered %v, want 2 messages", rec.messages())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestWorkerFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := NewWorker(rec, 8, testLogger())
	w.Send(context.Background(), "queued before run")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run sees a cancelled context immediately and must still flush
	w.Run(ctx)

	got := rec.messages()
	if len(got) != 1 || got[0] != "queued before run" {
		t.Errorf("flushed = %v", got)
	}
}

func TestWorkerDropsWhenFull(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := NewWorker(rec, 1, testLogger())

	// Not running: second Send must drop, not block.
	if err := w.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	doneCh := make(chan struct{})
	go func() {
		w.Send(context.Background(), "overflow")
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestTelegramWithoutCredentialsIsSilent(t *testing.T) {
	t.Parallel()

	tg := NewTelegram("", "", testLogger())
	if err := tg.Send(context.Background(), "ignored"); err != nil {
		t.Errorf("Send without credentials: %v", err)
	}
	if err := tg.SendImage(context.Background(), "ignored", nil); err != nil {
		t.Errorf("SendImage without credentials: %v", err)
	}
}
