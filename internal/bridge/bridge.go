// Package bridge wires the two platforms together: source events cross
// the dedup gate, get formatted and queued for Telegram; operator replies
// are routed back to the source address found in the replied-to text.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/bus"
	"wabridge/internal/dedup"
	"wabridge/internal/health"
	"wabridge/internal/qr"
	"wabridge/internal/relay"
	"wabridge/internal/session"
	"wabridge/internal/source"
	"wabridge/internal/store"
	"wabridge/internal/transport"
)

// SessionControl is the slice of the session manager the controller
// needs. The manager stays the sole owner of the connection handle.
type SessionControl interface {
	State() session.State
	HandleEvent(ev source.Event)
	Send(ctx context.Context, address, text string) error
	Download(ctx context.Context, msg source.Message) ([]byte, error)
}

type Config struct {
	// ChatID is the destination operator chat.
	ChatID int64
	// AddressSuffix completes a bare numeric address into a full source
	// address ("15551234567" + suffix).
	AddressSuffix string
	// MediaMaxBytes is the attachment size ceiling; larger payloads are
	// replaced with a textual notice.
	MediaMaxBytes int64
	// DownloadTimeout bounds one media download.
	DownloadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AddressSuffix == "" {
		c.AddressSuffix = "@s.whatsapp.net"
	}
	if c.MediaMaxBytes <= 0 {
		c.MediaMaxBytes = 20 << 20
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = time.Minute
	}
	return c
}

// Controller owns the dedup gate and the activity clock and is the only
// producer of relay items.
type Controller struct {
	cfg   Config
	log   zerolog.Logger
	queue *relay.Queue
	notif *relay.Notifier
	dest  transport.Destination
	sess  SessionControl
	gate  *dedup.Gate
	clock *health.ActivityClock
	qr    qr.Renderer
	store store.Store
	bus   bus.Bus
}

func New(cfg Config, q *relay.Queue, n *relay.Notifier, dest transport.Destination,
	sess SessionControl, gate *dedup.Gate, clock *health.ActivityClock,
	qrr qr.Renderer, st store.Store, b bus.Bus, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:   cfg.withDefaults(),
		log:   log,
		queue: q,
		notif: n,
		dest:  dest,
		sess:  sess,
		gate:  gate,
		clock: clock,
		qr:    qrr,
		store: st,
		bus:   b,
	}
}

func (c *Controller) target() transport.ChatTarget {
	return transport.ChatTarget{ChatID: c.cfg.ChatID}
}

// OnEvent implements source.Handler. QR challenges are relayed as images
// before the lifecycle signal is handed to the session manager.
func (c *Controller) OnEvent(ev source.Event) {
	if ev.Kind == source.EventQR {
		c.relayQR(ev.Payload)
	}
	c.sess.HandleEvent(ev)
}

// OnInbound implements source.Handler.
func (c *Controller) OnInbound(msg source.Message) {
	c.clock.Touch()
	c.relayMessage(dedup.In, msg, formatInbound(msg))
}

// OnOutboundEcho implements source.Handler.
func (c *Controller) OnOutboundEcho(msg source.Message) {
	c.clock.Touch()
	c.relayMessage(dedup.Out, msg, formatEcho(msg))
}

func (c *Controller) relayMessage(dir dedup.Direction, msg source.Message, text string) {
	key := dedup.Key(dir, msg.ID)
	if c.gate.ShouldSuppress(key) {
		c.log.Debug().Str("key", key).Msg("duplicate source event suppressed")
		if c.bus != nil {
			c.bus.Publish(bus.Event{Topic: bus.TopicRelayDeduped, Data: key})
		}
		return
	}

	if msg.HasAttachment {
		c.enqueueMedia(dir, msg, text)
		return
	}
	c.enqueue(dir, msg, &relay.Item{
		Kind:    "message",
		Summary: fmt.Sprintf("%s message %s", dir, msg.ID),
		Action: func(ctx context.Context) error {
			_, err := c.dest.SendText(ctx, c.target(), text, nil)
			return err
		},
	})
}

// enqueueMedia downloads the attachment up front so an unfetchable or
// oversized payload degrades to text before it ever reaches the queue —
// the queue must never retry unfixable content.
func (c *Controller) enqueueMedia(dir dedup.Direction, msg source.Message, caption string) {
	dctx, cancel := context.WithTimeout(context.Background(), c.cfg.DownloadTimeout)
	data, err := c.sess.Download(dctx, msg)
	cancel()

	if err != nil {
		c.log.Warn().Str("message_id", msg.ID).Err(err).Msg("media download failed, relaying as text")
		notice := caption + "\n⚠️ attachment could not be downloaded"
		c.enqueue(dir, msg, &relay.Item{
			Kind:    "message",
			Summary: fmt.Sprintf("%s message %s (media fallback)", dir, msg.ID),
			Action: func(ctx context.Context) error {
				_, err := c.dest.SendText(ctx, c.target(), notice, nil)
				return err
			},
		})
		return
	}

	if int64(len(data)) > c.cfg.MediaMaxBytes {
		notice := formatOversizeNotice(msg, int64(len(data)), c.cfg.MediaMaxBytes)
		c.enqueue(dir, msg, &relay.Item{
			Kind:    "message",
			Summary: fmt.Sprintf("%s message %s (oversize media)", dir, msg.ID),
			Action: func(ctx context.Context) error {
				_, err := c.dest.SendText(ctx, c.target(), notice, nil)
				return err
			},
		})
		return
	}

	item := &relay.Item{
		Kind:    "media",
		Summary: fmt.Sprintf("%s media %s", dir, msg.ID),
	}
	if msg.MediaType == "image" {
		item.Action = func(ctx context.Context) error {
			_, err := c.dest.SendPhoto(ctx, c.target(), data, caption)
			return err
		}
	} else {
		name := fmt.Sprintf("%s-%s", mediaLabel(msg.MediaType), msg.ID)
		item.Action = func(ctx context.Context) error {
			_, err := c.dest.SendDocument(ctx, c.target(), data, name, caption)
			return err
		}
	}
	c.enqueue(dir, msg, item)
}

func (c *Controller) relayQR(payload string) {
	if c.qr == nil {
		return
	}
	png, err := c.qr.Render(payload)
	if err != nil {
		c.log.Error().Err(err).Msg("qr render failed, relaying payload as text")
		_ = c.notif.Notify(relay.PriorityWarn, "Scan to authenticate:\n"+payload)
		return
	}
	err = c.queue.Enqueue(&relay.Item{
		Kind:    "qr",
		Summary: "authentication qr",
		Action: func(ctx context.Context) error {
			_, err := c.dest.SendPhoto(ctx, c.target(), png, "Scan this QR code to authenticate the source session.")
			return err
		},
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("qr item not queued")
	}
}

// enqueue submits the item and audits its outcome without blocking the
// event callback.
func (c *Controller) enqueue(dir dedup.Direction, msg source.Message, item *relay.Item) {
	start := time.Now()
	if err := c.queue.Enqueue(item); err != nil {
		c.log.Warn().Str("message_id", msg.ID).Err(err).Msg("relay item not queued")
		return
	}
	if c.store == nil {
		return
	}
	go func() {
		err := <-item.Done()
		e := store.RelayEntry{
			At:        start,
			Direction: string(dir),
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Kind:      item.Kind,
			OK:        err == nil,
			Attempts:  item.Attempts(),
			TookMS:    time.Since(start).Milliseconds(),
		}
		if err != nil {
			e.Error = err.Error()
		}
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if aerr := c.store.AppendRelay(actx, e); aerr != nil {
			c.log.Debug().Err(aerr).Msg("relay audit append failed")
		}
	}()
}

// Run consumes operator updates until ctx is cancelled or the channel is
// closed.
func (c *Controller) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				c.handleOperatorMessage(ctx, up.Message)
			}
		}
	}
}

func (c *Controller) handleOperatorMessage(ctx context.Context, m *transport.Message) {
	if m.ChatID != c.cfg.ChatID {
		return
	}
	digits, ok := extractAddress(m.ReplyToText)
	if !ok {
		// Not a routable reply; the common case for chatter in the
		// bridge chat. Dropped silently on purpose.
		c.log.Debug().Int("message_id", m.ID).Msg("operator message without relay address ignored")
		if c.bus != nil && m.ReplyToText != "" {
			c.bus.Publish(bus.Event{Topic: bus.TopicReplyIgnored, Data: m.ID})
		}
		return
	}

	if st := c.sess.State(); st != session.StateReady {
		c.log.Warn().Str("state", string(st)).Str("to", digits).Msg("reply while session not ready")
		_ = c.notif.Notify(relay.PriorityWarn, fmt.Sprintf(
			"Cannot deliver reply to %s: source session is %s.", digits, st))
		return
	}

	address := digits + c.cfg.AddressSuffix
	text := transport.Truncate(transport.CleanText(m.Text), transport.MaxMessageLen)
	// The source send is a fallible network call like any destination
	// call: it goes through the same queue discipline.
	err := c.queue.Enqueue(&relay.Item{
		Kind:    "reply",
		Summary: fmt.Sprintf("reply to %s", digits),
		Action: func(ctx context.Context) error {
			if err := c.sess.Send(ctx, address, text); err != nil {
				if errors.Is(err, session.ErrNotReady) || errors.Is(err, session.ErrFatal) {
					// Session dropped between the check and the send;
					// tell the operator rather than burning retries.
					_ = c.notif.Notify(relay.PriorityWarn, fmt.Sprintf(
						"Reply to %s failed: %v", digits, err))
					return nil
				}
				return err
			}
			c.clock.Touch()
			return nil
		},
	})
	if err != nil {
		c.log.Warn().Str("to", digits).Err(err).Msg("reply not queued")
	}
}
