package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vbonduro/camprompt/internal/capture"
	"github.com/vbonduro/camprompt/internal/completion"
	"github.com/vbonduro/camprompt/internal/metrics"
)

// Status lines shown as the latest response for coordinator events.
const (
	StatusReady         = "Camera access granted. Ready to start."
	StatusStarted       = "Processing started..."
	StatusStopped       = "Processing stopped."
	StatusCaptureFailed = "Failed to capture image."
)

var (
	ErrNotReady        = errors.New("camera not available")
	ErrRunning         = errors.New("processing is running")
	ErrInvalidInterval = errors.New("interval is not one of the configured choices")
	ErrClosed          = errors.New("session closed")
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Settings are the user-editable inputs. Instruction and Endpoint are read
// fresh for every request.
type Settings struct {
	Endpoint    string
	Instruction string
	Interval    time.Duration
}

// Entry is one successful response in the history.
type Entry struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Snapshot is a copy of the observable state.
type Snapshot struct {
	State             State   `json:"state"`
	Ready             bool    `json:"ready"`
	Busy              bool    `json:"busy"`
	Status            string  `json:"status"`
	Endpoint          string  `json:"endpoint"`
	Instruction       string  `json:"instruction"`
	IntervalMS        int64   `json:"interval_ms"`
	IntervalChoicesMS []int64 `json:"interval_choices_ms"`
	History           []Entry `json:"history"`
}

// TickerFunc starts a periodic tick source and returns its channel and a
// stop func.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Options struct {
	Settings  Settings
	Intervals []time.Duration
	Encode    capture.EncodeOptions
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	NewTicker TickerFunc
}

// Coordinator owns the capture stream, the periodic schedule, the in-flight
// guard and the response history.
type Coordinator struct {
	source    capture.Source
	client    completion.Client
	encode    capture.EncodeOptions
	intervals []time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newTicker TickerFunc

	// ctx bounds every request and tick goroutine; only Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Bool

	mu       sync.Mutex
	stream   capture.Stream
	stopTick context.CancelFunc // non-nil iff running
	settings Settings
	busy     bool
	status   string
	history  []Entry
	subs     map[int]chan Snapshot
	nextSub  int
	closed   bool
}

func NewCoordinator(source capture.Source, client completion.Client, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		source:    source,
		client:    client,
		encode:    opts.Encode,
		intervals: slices.Clone(opts.Intervals),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		newTicker: opts.NewTicker,
		ctx:       ctx,
		cancel:    cancel,
		settings:  opts.Settings,
		subs:      make(map[int]chan Snapshot),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")
	if c.newTicker == nil {
		c.newTicker = realTicker
	}
	if len(c.intervals) == 0 && c.settings.Interval > 0 {
		c.intervals = []time.Duration{c.settings.Interval}
	}
	return c
}

// Init acquires the camera stream. On failure the status line carries the
// camera error and the error is returned; nothing is retried.
func (c *Coordinator) Init(ctx context.Context) error {
	stream, err := c.source.Acquire(ctx)
	if err != nil {
		var camErr *capture.CameraError
		status := "Error: " + err.Error()
		if errors.As(err, &camErr) {
			status = fmt.Sprintf("Error: %s - %s", camErr.Name, camErr.Message)
		}
		c.logger.Error("camera acquisition failed", "error", err)
		c.update(func() { c.status = status })
		return fmt.Errorf("failed to acquire camera: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	old := c.stream
	c.stream = stream
	c.status = StatusReady
	c.publishLocked()
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("failed to release previous stream", "error", err)
		}
	}
	c.logger.Info("camera ready")
	return nil
}

// Start fires one immediate request and arms the periodic schedule.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	tickCtx, interval, err := c.startLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.launch(tickCtx, interval)
	return nil
}

// startLocked moves the coordinator to running. The caller holds c.mu and
// must call launch after releasing it when err is nil.
func (c *Coordinator) startLocked() (context.Context, time.Duration, error) {
	switch {
	case c.closed:
		return nil, 0, ErrClosed
	case c.stream == nil:
		return nil, 0, ErrNotReady
	case c.stopTick != nil:
		return nil, 0, ErrRunning
	}

	tickCtx, stop := context.WithCancel(c.ctx)
	c.stopTick = stop
	c.status = StatusStarted
	c.metrics.SetRunning(true)
	c.publishLocked()

	// Both goroutines are registered before the lock is released so Close
	// never waits on a counter that is still growing from zero.
	c.wg.Add(2)
	return tickCtx, c.settings.Interval, nil
}

func (c *Coordinator) launch(tickCtx context.Context, interval time.Duration) {
	c.logger.Info("processing started", "interval", interval)

	go func() {
		defer c.wg.Done()
		c.PerformRequest(c.ctx)
	}()
	go c.schedule(tickCtx, interval)
}

func (c *Coordinator) schedule(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticks, stop := c.newTicker(interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if ctx.Err() != nil {
				return
			}
			// A tick never waits for the previous request; the in-flight
			// guard drops the overlap.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.PerformRequest(c.ctx)
			}()
		}
	}
}

// Stop cancels future ticks. A request already in flight still completes
// and updates state. Stopping an idle coordinator is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stopped := c.stopLocked()
	c.mu.Unlock()

	if stopped {
		c.logger.Info("processing stopped")
	}
}

func (c *Coordinator) stopLocked() bool {
	if c.stopTick == nil {
		return false
	}
	c.stopTick()
	c.stopTick = nil
	c.status = StatusStopped
	c.metrics.SetRunning(false)
	c.publishLocked()
	return true
}

// Toggle starts when idle and stops when running. The decision and the
// transition happen under one lock, so concurrent toggles alternate instead
// of racing into ErrRunning.
func (c *Coordinator) Toggle() error {
	c.mu.Lock()
	if c.stopLocked() {
		c.mu.Unlock()
		c.logger.Info("processing stopped")
		return nil
	}
	tickCtx, interval, err := c.startLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.launch(tickCtx, interval)
	return nil
}

// CaptureOnce runs a single request regardless of state. The request is
// bounded by both ctx and the coordinator's lifetime, and Close waits for
// it before releasing the camera. After Close it does nothing.
func (c *Coordinator) CaptureOnce(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	reqCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	c.PerformRequest(reqCtx)
}

// PerformRequest captures a frame and submits it. If another request is in
// flight it returns immediately without doing anything.
func (c *Coordinator) PerformRequest(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.metrics.Dropped()
		c.logger.Debug("request already in flight, skipping")
		return
	}
	defer c.update(func() { c.busy = false })
	defer func() {
		c.inFlight.Store(false)
		c.metrics.SetInFlight(false)
	}()
	c.metrics.SetInFlight(true)

	id := ulid.Make().String()
	logger := c.logger.With("request_id", id)

	var (
		stream   capture.Stream
		settings Settings
	)
	c.update(func() {
		c.busy = true
		stream = c.stream
		settings = c.settings
	})

	if stream == nil {
		c.metrics.Request(metrics.OutcomeCaptureFailed)
		c.update(func() { c.status = StatusCaptureFailed })
		return
	}

	frame, err := capture.Grab(ctx, stream, c.encode)
	if err != nil {
		if !errors.Is(err, capture.ErrNotReady) {
			logger.Warn("capture failed", "error", err)
		}
		c.metrics.Request(metrics.OutcomeCaptureFailed)
		c.update(func() { c.status = StatusCaptureFailed })
		return
	}

	logger.Debug("frame captured", "width", frame.Width, "height", frame.Height, "bytes", len(frame.Data))

	start := time.Now()
	text, err := c.client.Complete(ctx, completion.Request{
		Endpoint:    settings.Endpoint,
		Instruction: settings.Instruction,
		Image:       frame,
	})
	elapsed := time.Since(start)
	c.metrics.ObserveCompletion(elapsed)

	if err != nil {
		logger.Error("completion failed", "endpoint", settings.Endpoint, "duration_ms", elapsed.Milliseconds(), "error", err)
		c.metrics.Request(metrics.OutcomeError)
		c.update(func() { c.status = "Error: " + err.Error() })
		return
	}

	logger.Info("completion received", "duration_ms", elapsed.Milliseconds(), "chars", len(text))
	c.metrics.Request(metrics.OutcomeSuccess)

	entry := Entry{ID: id, Text: text, At: time.Now()}
	var n int
	c.update(func() {
		c.status = text
		c.history = append([]Entry{entry}, c.history...)
		n = len(c.history)
	})
	c.metrics.SetHistoryLen(n)
}

// SetEndpoint changes the server base URL. Allowed while running.
func (c *Coordinator) SetEndpoint(endpoint string) {
	c.update(func() { c.settings.Endpoint = endpoint })
}

// SetInstruction changes the instruction. Locked while running.
func (c *Coordinator) SetInstruction(instruction string) error {
	return c.updateIdle(func() error {
		c.settings.Instruction = instruction
		return nil
	})
}

// SetInterval changes the polling interval. Locked while running; must be
// one of the configured choices.
func (c *Coordinator) SetInterval(d time.Duration) error {
	return c.updateIdle(func() error {
		if !slices.Contains(c.intervals, d) {
			return ErrInvalidInterval
		}
		c.settings.Interval = d
		return nil
	})
}

func (c *Coordinator) updateIdle(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopTick != nil {
		return ErrRunning
	}
	if err := fn(); err != nil {
		return err
	}
	c.publishLocked()
	return nil
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel that receives the latest Snapshot after each
// state change. Slow readers only see the most recent one. The channel is
// closed by the returned cancel func or by Close.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close stops the schedule, cancels outstanding requests, waits for tick
// goroutines and releases the camera. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stopTick != nil {
		c.stopTick()
		c.stopTick = nil
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.metrics.SetRunning(false)

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			return fmt.Errorf("failed to release camera: %w", err)
		}
	}
	c.logger.Info("session closed")
	return nil
}

func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	state := StateIdle
	if c.stopTick != nil {
		state = StateRunning
	}
	choices := make([]int64, len(c.intervals))
	for i, d := range c.intervals {
		choices[i] = d.Milliseconds()
	}
	return Snapshot{
		State:             state,
		Ready:             c.stream != nil,
		Busy:              c.busy,
		Status:            c.status,
		Endpoint:          c.settings.Endpoint,
		Instruction:       c.settings.Instruction,
		IntervalMS:        c.settings.Interval.Milliseconds(),
		IntervalChoicesMS: choices,
		History:           append(make([]Entry, 0, len(c.history)), c.history...),
	}
}
