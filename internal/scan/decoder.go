package scan

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNoCode means the frame holds no readable QR symbol. The loop skips
// such frames silently.
var ErrNoCode = errors.New("no qr code in frame")

// FrameDecoder extracts the text of a QR code from an image.
type FrameDecoder interface {
	Decode(img image.Image) (string, error)
}

// QRDecoder decodes frames with gozxing.
type QRDecoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder returns a decoder that tries hard on low-contrast frames.
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{hints: map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}}
}

// Decode returns the QR payload, ErrNoCode when none is present, or another
// error when a symbol was found but could not be read.
func (d *QRDecoder) Decode(img image.Image) (string, error) {
	if img == nil {
		return "", ErrNoCode
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("prepare frame: %w", err)
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		var notFound gozxing.NotFoundException
		if errors.As(err, &notFound) {
			return "", ErrNoCode
		}
		return "", fmt.Errorf("read qr code: %w", err)
	}
	return res.GetText(), nil
}
