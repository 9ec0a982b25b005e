package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// DefaultQuality is the JPEG quality used when EncodeOptions.Quality is unset.
const DefaultQuality = 80

const mimeTypeJPEG = "image/jpeg"

// EncodeOptions controls how a frame is rasterized.
type EncodeOptions struct {
	// Quality is the JPEG quality, 1-100.
	Quality int
	// MaxWidth downscales wider frames, preserving aspect ratio. 0 disables.
	MaxWidth int
}

// Frame is one encoded still image.
type Frame struct {
	Data       []byte
	MIMEType   string
	Width      int
	Height     int
	CapturedAt time.Time
}

// Base64 returns the standard base64 encoding of the image bytes.
func (f *Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// DataURL returns the frame as a data: URL suitable for an image_url part.
func (f *Frame) DataURL() string {
	return "data:" + f.MIMEType + ";base64," + f.Base64()
}

// Grab reads the current frame from s and encodes it as JPEG.
func Grab(ctx context.Context, s Stream, opts EncodeOptions) (*Frame, error) {
	img, err := s.Frame(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, ErrNotReady
	}
	return Encode(img, opts)
}

// Encode rasterizes img into a JPEG Frame.
func Encode(img image.Image, opts EncodeOptions) (*Frame, error) {
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	img = downscale(img, opts.MaxWidth)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	b := img.Bounds()
	return &Frame{
		Data:       buf.Bytes(),
		MIMEType:   mimeTypeJPEG,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
	}, nil
}

func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
