package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vbonduro/camprompt/internal/capture"
	"github.com/vbonduro/camprompt/internal/completion"
	"github.com/vbonduro/camprompt/internal/metrics"
)

// stubStream serves a fixed image, or a zero-sized one when notReady is set.
type stubStream struct {
	notReady atomic.Bool
	closed   atomic.Int32
}

func (s *stubStream) Frame(_ context.Context) (image.Image, error) {
	if s.notReady.Load() {
		return image.NewRGBA(image.Rect(0, 0, 0, 0)), nil
	}
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

func (s *stubStream) Close() error {
	s.closed.Add(1)
	return nil
}

type stubSource struct {
	stream *stubStream
	err    error
}

func (s *stubSource) Acquire(_ context.Context) (capture.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

// stubClient returns queued replies in order. When block is non-nil every
// call waits on it before returning, which keeps the request in flight.
type stubClient struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []completion.Request

	block   chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *stubClient) Complete(ctx context.Context, req completion.Request) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "ok", nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *stubClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// manualTicker is a tick source driven by the test.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
	started chan time.Duration
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), started: make(chan time.Duration, 4)}
}

func (m *manualTicker) fn(d time.Duration) (<-chan time.Time, func()) {
	m.started <- d
	return m.ch, func() { m.stopped.Store(true) }
}

var testIntervals = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func newTestCoordinator(t *testing.T, client completion.Client, ticker *manualTicker) (*Coordinator, *stubStream) {
	t.Helper()
	stream := &stubStream{}
	opts := Options{
		Settings:  Settings{Endpoint: "http://vlm.local", Instruction: "What do you see?", Interval: time.Second},
		Intervals: testIntervals,
	}
	if ticker != nil {
		opts.NewTicker = ticker.fn
	}
	c := NewCoordinator(&stubSource{stream: stream}, client, opts)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, stream
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestInitReady(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubClient{}, nil)

	snap := c.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, []int64{1000, 2000, 5000, 10000}, snap.IntervalChoicesMS)
}

func TestInitCameraError(t *testing.T) {
	c := NewCoordinator(&stubSource{err: &capture.CameraError{Name: "NotAllowedError", Message: "permission denied"}}, &stubClient{}, Options{})
	defer c.Close()

	err := c.Init(context.Background())

	var camErr *capture.CameraError
	require.ErrorAs(t, err, &camErr)
	snap := c.Snapshot()
	assert.False(t, snap.Ready)
	assert.Equal(t, "Error: NotAllowedError - permission denied", snap.Status)
}

func TestStartWithoutStreamNotReady(t *testing.T) {
	client := &stubClient{}
	c := NewCoordinator(&stubSource{err: errors.New("no camera")}, client, Options{Settings: Settings{Interval: time.Second}})
	defer c.Close()
	_ = c.Init(context.Background())

	err := c.Start()

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Zero(t, client.calls())
}

func TestPerformRequestSuccessPrependsHistory(t *testing.T) {
	client := &stubClient{replies: []string{"B", "A", "C"}}
	c, _ := newTestCoordinator(t, client, nil)
	ctx := context.Background()

	c.PerformRequest(ctx)
	c.PerformRequest(ctx)
	require.Equal(t, []string{"A", "B"}, texts(c.Snapshot().History))

	c.PerformRequest(ctx)

	snap := c.Snapshot()
	assert.Equal(t, []string{"C", "A", "B"}, texts(snap.History))
	assert.Equal(t, "C", snap.Status)
	assert.Equal(t, snap.Status, snap.History[0].Text)
	assert.NotEmpty(t, snap.History[0].ID)
	assert.False(t, snap.Busy)
}

func TestPerformRequestFailureKeepsHistory(t *testing.T) {
	client := &stubClient{replies: []string{"A"}}
	c, _ := newTestCoordinator(t, client, nil)
	ctx := context.Background()

	c.PerformRequest(ctx)
	client.mu.Lock()
	client.err = &completion.RequestError{Status: 500, Body: "boom"}
	client.mu.Unlock()

	c.PerformRequest(ctx)

	snap := c.Snapshot()
	assert.Equal(t, []string{"A"}, texts(snap.History))
	assert.Equal(t, "Error: Server error 500: boom", snap.Status)
	assert.False(t, snap.Busy)
}

func TestPerformRequestNoFrameSkipsClient(t *testing.T) {
	client := &stubClient{}
	c, stream := newTestCoordinator(t, client, nil)
	stream.notReady.Store(true)

	c.PerformRequest(context.Background())

	assert.Zero(t, client.calls())
	snap := c.Snapshot()
	assert.Equal(t, StatusCaptureFailed, snap.Status)
	assert.Empty(t, snap.History)
	assert.False(t, snap.Busy)
}

func TestPerformRequestReadsSettingsFresh(t *testing.T) {
	client := &stubClient{}
	c, _ := newTestCoordinator(t, client, nil)

	require.NoError(t, c.SetInstruction("Describe this"))
	c.SetEndpoint("http://other.local")
	c.PerformRequest(context.Background())

	require.Equal(t, 1, client.calls())
	assert.Equal(t, "Describe this", client.requests[0].Instruction)
	assert.Equal(t, "http://other.local", client.requests[0].Endpoint)
	assert.Equal(t, "image/jpeg", client.requests[0].Image.MIMEType)
}

func TestPerformRequestDropsOverlap(t *testing.T) {
	client := &stubClient{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	stream := &stubStream{}
	c := NewCoordinator(&stubSource{stream: stream}, client, Options{Metrics: m})
	require.NoError(t, c.Init(context.Background()))
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.PerformRequest(context.Background())
		close(done)
	}()
	<-client.entered
	assert.True(t, c.Snapshot().Busy)

	for i := 0; i < 3; i++ {
		c.PerformRequest(context.Background())
	}
	assert.Equal(t, 1, client.calls())

	close(client.block)
	<-done

	client.block = nil
	c.PerformRequest(context.Background())
	<-client.entered

	assert.Equal(t, 2, client.calls())
	assert.EqualValues(t, 1, client.maxActive.Load())
	assert.Equal(t, 3.0, counterValue(t, reg, "camprompt_dropped_ticks_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Snapshot().Busy }, time.Second, 2*time.Millisecond)
}

func TestStartFiresImmediatelyAndOnTicks(t *testing.T) {
	client := &stubClient{entered: make(chan struct{}, 8)}
	ticker := newManualTicker()
	c, _ := newTestCoordinator(t, client, ticker)

	require.NoError(t, c.Start())
	assert.Equal(t, time.Second, <-ticker.started)
	<-client.entered
	assert.Equal(t, StateRunning, c.Snapshot().State)
	waitIdle(t, c)

	ticker.ch <- time.Now()
	<-client.entered
	waitIdle(t, c)
	ticker.ch <- time.Now()
	<-client.entered
	waitIdle(t, c)

	assert.Equal(t, 3, client.calls())
	assert.ErrorIs(t, c.Start(), ErrRunning)
}

func TestTicksNeverOverlap(t *testing.T) {
	client := &stubClient{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	ticker := newManualTicker()
	c, _ := newTestCoordinator(t, client, ticker)

	require.NoError(t, c.Start())
	<-ticker.started
	<-client.entered

	// Each tick is received by the schedule loop even though the first
	// request has not resolved.
	for i := 0; i < 5; i++ {
		ticker.ch <- time.Now()
	}

	assert.Never(t, func() bool { return client.calls() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(client.block)
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, client.maxActive.Load())
	assert.Equal(t, 1, client.calls())
}

func TestStopCancelsFutureTicks(t *testing.T) {
	client := &stubClient{entered: make(chan struct{}, 8)}
	ticker := newManualTicker()
	c, _ := newTestCoordinator(t, client, ticker)

	require.NoError(t, c.Start())
	<-ticker.started
	<-client.entered

	c.Stop()

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Eventually(t, ticker.stopped.Load, time.Second, 5*time.Millisecond)

	select {
	case ticker.ch <- time.Now():
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.Close())
	assert.Equal(t, 1, client.calls())
}

func TestStopInFlightRequestStillCompletes(t *testing.T) {
	client := &stubClient{block: make(chan struct{}), entered: make(chan struct{}, 1), replies: []string{"late"}}
	ticker := newManualTicker()
	c, _ := newTestCoordinator(t, client, ticker)

	require.NoError(t, c.Start())
	<-client.entered
	c.Stop()
	close(client.block)

	assert.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap.History) == 1 && !snap.Busy
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", c.Snapshot().Status)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestStopIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubClient{}, newManualTicker())

	c.Stop()
	c.Stop()
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Equal(t, StatusReady, c.Snapshot().Status)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap.History) == 1 && !snap.Busy
	}, time.Second, 2*time.Millisecond)
	c.Stop()
	c.Stop()
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Equal(t, StatusStopped, c.Snapshot().Status)
}

func TestToggle(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubClient{}, newManualTicker())

	require.NoError(t, c.Toggle())
	assert.Equal(t, StateRunning, c.Snapshot().State)
	require.NoError(t, c.Toggle())
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestCaptureOnceDoesNotChangeState(t *testing.T) {
	client := &stubClient{replies: []string{"single"}}
	c, _ := newTestCoordinator(t, client, nil)

	c.CaptureOnce(context.Background())

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, []string{"single"}, texts(snap.History))
}

func TestConcurrentTogglesAlternate(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubClient{}, nil)

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Toggle()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

// ctxClient blocks until its context ends and reports when it returns.
type ctxClient struct {
	entered  chan struct{}
	onReturn func()
}

func (c *ctxClient) Complete(ctx context.Context, _ completion.Request) (string, error) {
	c.entered <- struct{}{}
	<-ctx.Done()
	if c.onReturn != nil {
		c.onReturn()
	}
	return "", ctx.Err()
}

func TestCloseCancelsCaptureOnceBeforeReleasingCamera(t *testing.T) {
	client := &ctxClient{entered: make(chan struct{}, 1)}
	c, stream := newTestCoordinator(t, client, nil)

	var closesSeen atomic.Int32
	closesSeen.Store(-1)
	client.onReturn = func() { closesSeen.Store(stream.closed.Load()) }

	done := make(chan struct{})
	go func() {
		c.CaptureOnce(context.Background())
		close(done)
	}()
	<-client.entered

	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CaptureOnce did not return after Close")
	}
	assert.EqualValues(t, 0, closesSeen.Load())
	assert.EqualValues(t, 1, stream.closed.Load())
}

func TestCaptureOnceHonoursCallerContext(t *testing.T) {
	client := &ctxClient{entered: make(chan struct{}, 1)}
	c, _ := newTestCoordinator(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.CaptureOnce(ctx)
		close(done)
	}()
	<-client.entered
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CaptureOnce ignored caller cancellation")
	}
	assert.Equal(t, "Error: "+context.Canceled.Error(), c.Snapshot().Status)
}

func TestCaptureOnceAfterCloseDoesNothing(t *testing.T) {
	client := &stubClient{}
	c, _ := newTestCoordinator(t, client, nil)
	require.NoError(t, c.Close())

	c.CaptureOnce(context.Background())

	assert.Zero(t, client.calls())
}

func TestSettingsLockedWhileRunning(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubClient{}, newManualTicker())

	require.NoError(t, c.SetInterval(5*time.Second))
	assert.ErrorIs(t, c.SetInterval(3*time.Second), ErrInvalidInterval)

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.SetInstruction("x"), ErrRunning)
	assert.ErrorIs(t, c.SetInterval(time.Second), ErrRunning)
	c.SetEndpoint("http://still-editable")

	snap := c.Snapshot()
	assert.Equal(t, int64(5000), snap.IntervalMS)
	assert.Equal(t, "What do you see?", snap.Instruction)
	assert.Equal(t, "http://still-editable", snap.Endpoint)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	client := &stubClient{replies: []string{"hello"}}
	c, _ := newTestCoordinator(t, client, nil)

	ch, cancel := c.Subscribe()
	defer cancel()

	c.PerformRequest(context.Background())

	// Only the latest snapshot is kept for a slow reader.
	snap := <-ch
	assert.Equal(t, "hello", snap.Status)
	assert.False(t, snap.Busy)
	assert.Len(t, snap.History, 1)
}

func TestCloseReleasesStreamAndSubscribers(t *testing.T) {
	client := &stubClient{}
	ticker := newManualTicker()
	c, stream := newTestCoordinator(t, client, ticker)
	ch, _ := c.Subscribe()

	require.NoError(t, c.Start())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.EqualValues(t, 1, stream.closed.Load())
	assert.True(t, ticker.stopped.Load())
	for range ch {
	}
	assert.ErrorIs(t, c.Start(), ErrClosed)
}
