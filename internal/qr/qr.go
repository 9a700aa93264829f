// Package qr renders source-session authentication challenges as PNG
// images for relay to the operator chat.
package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Renderer turns a QR payload into image bytes.
type Renderer interface {
	Render(payload string) ([]byte, error)
}

type pngRenderer struct {
	size int
}

// NewPNGRenderer returns a Renderer producing size x size pixel PNGs.
func NewPNGRenderer(size int) Renderer {
	if size <= 0 {
		size = 512
	}
	return &pngRenderer{size: size}
}

func (r *pngRenderer) Render(payload string) ([]byte, error) {
	b, err := qrcode.Encode(payload, qrcode.Medium, r.size)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return b, nil
}
