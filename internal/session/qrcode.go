package session

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// ImageEncoder renders a token payload to an image.
type ImageEncoder interface {
	Encode(payload string) ([]byte, error)
}

// QRCodeEncoder renders PNG QR codes.
type QRCodeEncoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// NewQRCodeEncoder returns an encoder producing size x size PNGs.
func NewQRCodeEncoder(size int) *QRCodeEncoder {
	if size <= 0 {
		size = 256
	}
	return &QRCodeEncoder{Size: size, Level: qrcode.Medium}
}

// Encode returns PNG bytes.
func (e *QRCodeEncoder) Encode(payload string) ([]byte, error) {
	return qrcode.Encode(payload, e.Level, e.Size)
}

// DataURL wraps PNG bytes in a data URL for direct use in an <img> tag.
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
