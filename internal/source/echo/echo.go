// Package echo is a loopback source driver for development and smoke
// testing. It connects instantly with restored credentials and reflects
// every outbound send back as an inbound message, so the whole relay
// pipeline can be exercised without a real platform account.
package echo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/source"
)

const DriverName = "echo"

func init() {
	source.Register(DriverName, func(h source.Handler) source.Session {
		return &loop{h: h}
	})
}

type loop struct {
	h source.Handler

	mu     sync.Mutex
	closed bool
}

func (l *loop) Initialize(ctx context.Context) error {
	// Loopback has standing credentials: no QR, straight to ready.
	l.h.OnEvent(source.Event{Kind: source.EventAuthenticated, At: time.Now()})
	l.h.OnEvent(source.Event{Kind: source.EventReady, At: time.Now()})
	return nil
}

func (l *loop) Destroy(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Send reflects the text back from the target address after a short
// delay, simulating the counterparty answering.
func (l *loop) Send(ctx context.Context, address, text string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.New("echo: session destroyed")
	}

	time.AfterFunc(200*time.Millisecond, func() {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		l.h.OnInbound(source.Message{
			ID:       uuid.NewString(),
			Sender:   address,
			PushName: "echo",
			Text:     "echo: " + text,
			At:       time.Now(),
		})
	})
	return nil
}

func (l *loop) Download(ctx context.Context, msg source.Message) ([]byte, error) {
	return nil, errors.New("echo: no media")
}
