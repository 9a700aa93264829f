// Package transport defines the destination-platform contract. The
// delivery queue is the only caller of the send primitives; the update
// stream feeds operator replies back into the bridge.
package transport

import (
	"context"
	"strings"
)

// MaxMessageLen is Telegram's text message size limit in characters.
// Callers must truncate before enqueueing so an oversized payload can
// never poison the delivery queue with an unfixable error.
const MaxMessageLen = 4096

// Truncate clips text to at most max characters, marking the cut.
func Truncate(text string, max int) string {
	if max <= 0 || len([]rune(text)) <= max {
		return text
	}
	r := []rune(text)
	return string(r[:max-1]) + "…"
}

// Update is one inbound operator event.
type Update struct {
	Message *Message
}

// Message is an operator message in the destination chat.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// ReplyToText is the rendered text of the message this one replies
	// to, empty when it isn't a reply. The bridge extracts the relay
	// address from it.
	ReplyToText string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Destination is the outbound side of the bridge. Implementations own
// the single platform connection handle; no other component touches it.
type Destination interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, data []byte, caption string) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, data []byte, filename, caption string) (MessageRef, error)
}

// CleanText strips control characters Telegram rejects, keeping newlines
// and tabs.
func CleanText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
