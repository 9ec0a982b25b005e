// Package dir treats a directory of snapshot files as a camera: the newest
// image in the directory is the current frame. Useful with IP cameras that
// upload stills over FTP/SMB, or with any external grabber writing files.
package dir

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/vbonduro/camprompt/internal/capture"
)

type Source struct {
	basePath string
	logger   *slog.Logger
}

func NewSource(basePath string, logger *slog.Logger) *Source {
	return &Source{
		basePath: basePath,
		logger:   logger.With("component", "capture.dir"),
	}
}

func (s *Source) Acquire(_ context.Context) (capture.Stream, error) {
	info, err := os.Stat(s.basePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, &capture.CameraError{
			Name:    capture.ErrNameNotFound,
			Message: fmt.Sprintf("snapshot directory %s does not exist", s.basePath),
			Err:     err,
		}
	case errors.Is(err, os.ErrPermission):
		return nil, &capture.CameraError{
			Name:    capture.ErrNameNotAllowed,
			Message: fmt.Sprintf("permission denied for %s", s.basePath),
			Err:     err,
		}
	case err != nil:
		return nil, &capture.CameraError{Name: capture.ErrNameNotReadable, Message: err.Error(), Err: err}
	case !info.IsDir():
		return nil, &capture.CameraError{
			Name:    capture.ErrNameNotFound,
			Message: fmt.Sprintf("%s is not a directory", s.basePath),
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &capture.CameraError{Name: capture.ErrNameNotReadable, Message: "failed to create watcher", Err: err}
	}
	if err := watcher.Add(s.basePath); err != nil {
		_ = watcher.Close()
		return nil, &capture.CameraError{Name: capture.ErrNameNotReadable, Message: "failed to watch directory", Err: err}
	}

	st := &stream{
		basePath: s.basePath,
		logger:   s.logger,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	st.rescan()
	go st.watch()

	s.logger.Info("snapshot directory acquired", "path", s.basePath)
	return st, nil
}

type stream struct {
	basePath string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu        sync.Mutex
	latest    string
	latestMod time.Time
	closed    bool
}

func (s *stream) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func (s *stream) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !isImage(name) {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		s.mu.Lock()
		gone := name == s.latest
		s.mu.Unlock()
		if gone {
			s.rescan()
		}
		return
	}

	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		s.offer(name, info.ModTime())
	}
}

// offer makes name the latest frame unless a newer file is already known.
func (s *stream) offer(name string, mod time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == "" || !mod.Before(s.latestMod) {
		s.latest = name
		s.latestMod = mod
	}
}

// rescan picks the newest image file in the directory from scratch.
func (s *stream) rescan() {
	name, mod, err := newestImage(s.basePath)
	if err != nil {
		s.logger.Warn("failed to scan snapshot directory", "error", err)
	}
	s.mu.Lock()
	s.latest = name
	s.latestMod = mod
	s.mu.Unlock()
}

func (s *stream) Frame(_ context.Context) (image.Image, error) {
	s.mu.Lock()
	name := s.latest
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, errors.New("dir: stream closed")
	}
	if name == "" {
		return nil, capture.ErrNotReady
	}

	path, err := safeJoin(s.basePath, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, capture.ErrNotReady
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Error("failed to close snapshot", "error", err)
		}
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		// Usually a file that is still being written.
		s.logger.Debug("undecodable snapshot", "file", name, "error", err)
		return nil, capture.ErrNotReady
	}
	return img, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	s.logger.Info("snapshot directory released")
	return err
}

func newestImage(dir string) (string, time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}, err
	}

	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestMod) || (mod.Equal(bestMod) && e.Name() > best) {
			best, bestMod = e.Name(), mod
		}
	}
	return best, bestMod, nil
}

// safeJoin resolves name relative to basePath and rejects directory traversal.
func safeJoin(basePath, name string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(basePath, name))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt")
	}
	return absPath, nil
}

func isImage(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}
