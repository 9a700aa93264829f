package bridge

import (
	"fmt"
	"strings"

	"wabridge/internal/source"
	"wabridge/internal/transport"
)

// addressMarker precedes the numeric source address in every relayed
// message. Operator replies are routed by finding this marker in the
// replied-to text.
const addressMarker = "📱"

// digitsOf strips the platform suffix from a source address:
// "15551234567@s.whatsapp.net" -> "15551234567".
func digitsOf(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}

// formatInbound renders a source message for the operator chat. The
// first line carries the address marker so replies can be routed back.
func formatInbound(msg source.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", addressMarker, digitsOf(msg.Sender))
	if name := strings.TrimSpace(msg.PushName); name != "" {
		fmt.Fprintf(&b, "👤 %s\n", name)
	}
	b.WriteString("💬 ")
	if msg.Text != "" {
		b.WriteString(msg.Text)
	} else if msg.HasAttachment {
		fmt.Fprintf(&b, "[%s]", mediaLabel(msg.MediaType))
	}
	return transport.Truncate(transport.CleanText(b.String()), transport.MaxMessageLen)
}

// formatEcho renders an outbound echo (a message sent from the source
// device itself). The marker names the counterparty so replying to the
// echo continues the same conversation.
func formatEcho(msg source.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n🗣 sent from device\n💬 ", addressMarker, digitsOf(msg.Sender))
	if msg.Text != "" {
		b.WriteString(msg.Text)
	} else if msg.HasAttachment {
		fmt.Fprintf(&b, "[%s]", mediaLabel(msg.MediaType))
	}
	return transport.Truncate(transport.CleanText(b.String()), transport.MaxMessageLen)
}

// formatOversizeNotice replaces a media payload that exceeds the size
// ceiling with a textual notice instead of the binary.
func formatOversizeNotice(msg source.Message, size, limit int64) string {
	return fmt.Sprintf("%s %s\n📎 %s attachment (%s) exceeds the %s limit — not relayed.",
		addressMarker, digitsOf(msg.Sender), mediaLabel(msg.MediaType), fmtBytes(size), fmtBytes(limit))
}

func mediaLabel(mediaType string) string {
	switch mediaType {
	case "image":
		return "image"
	case "video":
		return "video"
	case "audio":
		return "audio"
	case "document":
		return "document"
	default:
		return "attachment"
	}
}

func fmtBytes(n int64) string {
	const mb = 1 << 20
	if n >= mb {
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%d KB", n/(1<<10))
}
