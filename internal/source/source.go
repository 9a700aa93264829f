// Package source defines the narrow contract the bridge holds against the
// source messaging platform. The bridge decides when and how often to
// call these; the implementation owns the wire protocol, authentication
// handshake and media codecs.
package source

import (
	"context"
	"time"
)

// EventKind enumerates lifecycle signals emitted by a session.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
)

// Event is one lifecycle signal. Payload carries the QR payload for
// EventQR and the reason string for failures/disconnects.
type Event struct {
	Kind    EventKind
	Payload string
	At      time.Time
}

// Message is one inbound message or outbound echo observed on the
// session.
type Message struct {
	// ID is the platform message identifier; it is the entropy source
	// for dedup keys.
	ID string
	// Sender is the platform address of the author (digits plus suffix).
	Sender string
	// PushName is the display name advertised by the sender, if any.
	PushName string
	// Text is the message body; empty for pure media messages.
	Text string
	// HasAttachment reports whether a media payload can be downloaded.
	HasAttachment bool
	// MediaType is a coarse label ("image", "video", "audio",
	// "document") when HasAttachment is true.
	MediaType string
	At        time.Time
}

// Handler receives session signals. Callbacks run on the session's own
// goroutine and must not block.
type Handler interface {
	OnEvent(ev Event)
	OnInbound(msg Message)
	OnOutboundEcho(msg Message)
}

// Session is a handle to one source-platform connection. Exactly one
// owner component interacts with it; Initialize and Destroy are always
// paired so listeners and child processes never leak.
type Session interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Send(ctx context.Context, address, text string) error
	Download(ctx context.Context, msg Message) ([]byte, error)
}

// CredentialSession is optionally implemented by sessions whose
// authentication state can be exported as an opaque blob and restored
// into a fresh handle, skipping the QR challenge after a restart.
// RestoreCredentials is called before Initialize; ExportCredentials
// after the authenticated signal.
type CredentialSession interface {
	ExportCredentials(ctx context.Context) ([]byte, error)
	RestoreCredentials(ctx context.Context, blob []byte) error
}

// CredentialStore persists the exported blob between restarts.
type CredentialStore interface {
	PutCredentials(ctx context.Context, blob []byte) error
	GetCredentials(ctx context.Context) ([]byte, bool, error)
	DeleteCredentials(ctx context.Context) error
}

// Factory builds a fresh session wired to a handler. The reconnector
// calls it after tearing down the previous handle.
type Factory func(h Handler) Session
