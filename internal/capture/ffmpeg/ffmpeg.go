// Package ffmpeg captures still frames from a camera device by running a
// one-shot ffmpeg process per frame.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/vbonduro/camprompt/internal/capture"
)

const defaultBinary = "ffmpeg"

var errClosed = errors.New("ffmpeg: stream closed")

type Source struct {
	binary      string
	device      string
	inputFormat string
	logger      *slog.Logger

	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

func NewSource(device, inputFormat string, logger *slog.Logger) *Source {
	return &Source{
		binary:      defaultBinary,
		device:      device,
		inputFormat: inputFormat,
		logger:      logger.With("component", "capture.ffmpeg"),
		lookPath:    exec.LookPath,
		stat:        os.Stat,
	}
}

// Acquire checks that ffmpeg is installed and, for device-file inputs, that
// the device exists and is readable.
func (s *Source) Acquire(_ context.Context) (capture.Stream, error) {
	bin, err := s.lookPath(s.binary)
	if err != nil {
		return nil, &capture.CameraError{
			Name:    capture.ErrNameNotReadable,
			Message: fmt.Sprintf("%s not found in PATH", s.binary),
			Err:     err,
		}
	}

	if strings.HasPrefix(s.device, "/dev/") {
		if _, err := s.stat(s.device); err != nil {
			switch {
			case errors.Is(err, os.ErrNotExist):
				return nil, &capture.CameraError{
					Name:    capture.ErrNameNotFound,
					Message: fmt.Sprintf("no video device at %s", s.device),
					Err:     err,
				}
			case errors.Is(err, os.ErrPermission):
				return nil, &capture.CameraError{
					Name:    capture.ErrNameNotAllowed,
					Message: fmt.Sprintf("permission denied for %s", s.device),
					Err:     err,
				}
			default:
				return nil, &capture.CameraError{
					Name:    capture.ErrNameNotReadable,
					Message: err.Error(),
					Err:     err,
				}
			}
		}
	}

	life, stop := context.WithCancel(context.Background())
	s.logger.Info("camera acquired", "device", s.device, "format", s.inputFormat)
	return &stream{
		bin:    bin,
		args:   frameArgs(s.inputFormat, s.device),
		logger: s.logger,
		life:   life,
		stop:   stop,
	}, nil
}

// frameArgs builds the ffmpeg argument list for grabbing a single MJPEG frame
// to stdout.
func frameArgs(inputFormat, device string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	}
	return append(args,
		"-i", device,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)
}

type stream struct {
	bin    string
	args   []string
	logger *slog.Logger

	life context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *stream) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	// Close kills a grab that is still running.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(s.life, cancel)
	defer release()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.bin, s.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if s.life.Err() != nil {
			return nil, errClosed
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if stdout.Len() == 0 {
		return nil, capture.ErrNotReady
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		s.logger.Debug("undecodable frame", "bytes", stdout.Len(), "error", err)
		return nil, capture.ErrNotReady
	}
	return img, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	s.logger.Info("camera released")
	return nil
}
