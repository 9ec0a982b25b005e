package web

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vbonduro/camprompt/internal/session"
)

const maxSettingsBody = 64 * 1024

var validate = validator.New()

// pageView is the data behind the index page.
type pageView struct {
	session.Snapshot
	ButtonLabel string
}

func newPageView(snap session.Snapshot) pageView {
	label := "Start"
	if snap.State == session.StateRunning {
		label = "Stop"
	}
	return pageView{Snapshot: snap, ButtonLabel: label}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	view := newPageView(s.coord.Snapshot())
	if err := s.renderPage(w, view, "index.html", "partials/history.html"); err != nil {
		s.logger.Error("render page failed", "error", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	if err := s.renderPartial(w, "partials/history.html", s.coord.Snapshot().History); err != nil {
		s.logger.Error("render partial failed", "error", err)
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	if err := s.coord.Toggle(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.coord.Start(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.coord.Stop()
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

// handleCapture runs one request synchronously and returns the resulting
// state. The request is detached from the client connection so a navigation
// away does not abort a submission that is already under way. Without a
// camera the request still runs and reports the capture failure as status.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.coord.CaptureOnce(context.WithoutCancel(r.Context()))
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

// settingsInput is the body of POST /settings. All fields are sent together;
// instruction and interval are only applied when they change, so the
// endpoint stays editable while processing runs.
type settingsInput struct {
	Endpoint    string `json:"endpoint" validate:"required,url"`
	Instruction string `json:"instruction" validate:"required"`
	IntervalMS  int64  `json:"interval_ms" validate:"gt=0"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	in, err := decodeSettings(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if err := validate.Struct(in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}

	// Reject the whole update before applying any part of it.
	cur := s.coord.Snapshot()
	changeInstruction := in.Instruction != cur.Instruction
	changeInterval := in.IntervalMS != cur.IntervalMS
	if cur.State == session.StateRunning && (changeInstruction || changeInterval) {
		s.writeSessionError(w, session.ErrRunning)
		return
	}
	if !slices.Contains(cur.IntervalChoicesMS, in.IntervalMS) {
		s.writeSessionError(w, session.ErrInvalidInterval)
		return
	}

	if changeInstruction {
		if err := s.coord.SetInstruction(in.Instruction); err != nil {
			s.writeSessionError(w, err)
			return
		}
	}
	if changeInterval {
		if err := s.coord.SetInterval(time.Duration(in.IntervalMS) * time.Millisecond); err != nil {
			s.writeSessionError(w, err)
			return
		}
	}
	s.coord.SetEndpoint(in.Endpoint)

	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func decodeSettings(w http.ResponseWriter, r *http.Request) (settingsInput, error) {
	var in settingsInput
	body := http.MaxBytesReader(w, r.Body, maxSettingsBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(body).Decode(&in); err != nil {
			return in, errors.New("invalid JSON body")
		}
		return in, nil
	}

	r.Body = body
	if err := r.ParseForm(); err != nil {
		return in, errors.New("failed to parse form")
	}
	in.Endpoint = r.PostForm.Get("endpoint")
	in.Instruction = r.PostForm.Get("instruction")
	if v := r.PostForm.Get("interval_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, errors.New("interval_ms must be an integer")
		}
		in.IntervalMS = ms
	}
	return in, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.coord.Snapshot()
	status := http.StatusOK
	if !snap.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  snap.Ready,
		"state":  snap.State,
		"status": snap.Status,
	})
}

// writeSessionError maps coordinator errors to HTTP responses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		s.writeError(w, http.StatusConflict, "Camera not available.")
	case errors.Is(err, session.ErrRunning):
		s.writeError(w, http.StatusConflict, "Stop processing before changing this setting.")
	case errors.Is(err, session.ErrInvalidInterval):
		s.writeError(w, http.StatusBadRequest, "Interval must be one of the offered choices.")
	case errors.Is(err, session.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "Shutting down.")
	default:
		s.logger.Error("session operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
