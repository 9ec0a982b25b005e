package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStream struct {
	img image.Image
	err error
}

func (s *stubStream) Frame(_ context.Context) (image.Image, error) { return s.img, s.err }
func (s *stubStream) Close() error                                 { return nil }

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return img
}

func TestGrabEncodesJPEG(t *testing.T) {
	frame, err := Grab(context.Background(), &stubStream{img: solid(2, 2)}, EncodeOptions{})
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", frame.MIMEType)
	assert.Equal(t, 2, frame.Width)
	assert.Equal(t, 2, frame.Height)
	assert.False(t, frame.CapturedAt.IsZero())

	decoded, err := jpeg.Decode(bytes.NewReader(frame.Data))
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Bounds().Dx())
}

func TestGrabZeroDimensionsNotReady(t *testing.T) {
	_, err := Grab(context.Background(), &stubStream{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}, EncodeOptions{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestGrabPropagatesStreamError(t *testing.T) {
	_, err := Grab(context.Background(), &stubStream{err: ErrNotReady}, EncodeOptions{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEncodeDownscales(t *testing.T) {
	frame, err := Encode(solid(200, 100), EncodeOptions{MaxWidth: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, frame.Width)
	assert.Equal(t, 25, frame.Height)
}

func TestEncodeQualityAffectsSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 31)
	}

	low, err := Encode(img, EncodeOptions{Quality: 10})
	require.NoError(t, err)
	high, err := Encode(img, EncodeOptions{Quality: 95})
	require.NoError(t, err)

	assert.Less(t, len(low.Data), len(high.Data))
}

func TestFrameDataURL(t *testing.T) {
	f := &Frame{Data: []byte{0xFF, 0xD8}, MIMEType: "image/jpeg"}
	assert.Equal(t, "data:image/jpeg;base64,/9g=", f.DataURL())
	assert.True(t, strings.HasPrefix(f.DataURL(), "data:image/jpeg;base64,"))
}

func TestCameraErrorMessage(t *testing.T) {
	err := &CameraError{Name: ErrNameNotFound, Message: "no video device at /dev/video9"}
	assert.Equal(t, "NotFoundError: no video device at /dev/video9", err.Error())
}
