package bridge

import "regexp"

// addressPattern matches the marker token followed by a numeric address
// in a previously relayed message.
var addressPattern = regexp.MustCompile(addressMarker + `\s*(\d{5,20})`)

// extractAddress finds the relay address in the rendered text of a
// replied-to message. ok is false when the text carries no marker, which
// is the normal case for most destination messages.
func extractAddress(replyToText string) (digits string, ok bool) {
	m := addressPattern.FindStringSubmatch(replyToText)
	if m == nil {
		return "", false
	}
	return m[1], true
}
