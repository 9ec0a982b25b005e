package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vbonduro/camprompt/internal/session"
)

// handleEvents streams the coordinator state as server-sent events. The
// current snapshot is sent first, then one event per state change. Each
// event is a single "data:" line carrying the Snapshot JSON.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	updates, cancel := s.coord.Subscribe()
	defer cancel()

	// The server-wide write timeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, s.coord.Snapshot()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Error("event stream cannot flush", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				if _, err := w.Write([]byte("event: done\ndata: {}\n\n")); err == nil {
					_ = rc.Flush()
				}
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
