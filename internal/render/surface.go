// Package render turns a graph payload into a sandboxed document, but only
// once the surface that shows it is about to be seen.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

// ErrUnmounted is returned by Wait when the surface was torn down before its
// document became available.
var ErrUnmounted = errors.New("surface unmounted")

type State int

const (
	StateIdle State = iota
	StateArmed
	StateActivating
	StateLoaded
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateActivating:
		return "activating"
	case StateLoaded:
		return "loaded"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// AssetLoader supplies library text in input order, "" for failures.
type AssetLoader interface {
	LoadText(ctx context.Context, urls []string) []string
}

// Input is what a surface renders.
type Input struct {
	Encoded string
	Title   string
	// Force skips visibility gating (expanded view).
	Force bool
}

type SurfaceConfig struct {
	Loader    AssetLoader
	Libraries []string
	Threshold float64
	// OnError is called once when the pipeline aborts.
	OnError func(s *Surface, err error)
}

// Snapshot is a read-only view of a surface.
type Snapshot struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Surface is the per-graph render state machine:
// Idle -> Armed -> Activating -> Loaded -> Ready. Forced surfaces skip
// Armed. A failed pipeline keeps its last state and records the error.
type Surface struct {
	id    string
	input Input
	cfg   SurfaceConfig

	mu       sync.Mutex
	state    State
	loading  bool
	document string
	err      error
	observer *Observer

	done      chan struct{}
	doneOnce  sync.Once
	cancel    context.CancelFunc
	unmounted bool
}

func NewSurface(id string, input Input, cfg SurfaceConfig) *Surface {
	return &Surface{
		id:    id,
		input: input,
		cfg:   cfg,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

func (s *Surface) ID() string { return s.id }

func (s *Surface) Title() string { return s.input.Title }

func (s *Surface) Forced() bool { return s.input.Force }

// Start arms the surface and runs its pipeline in the background until the
// document is built, the pipeline fails, or ctx/Unmount stops it.
func (s *Surface) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	if !s.input.Force {
		s.observer = Observe(s.cfg.Threshold)
		s.state = StateArmed
	}
	s.mu.Unlock()

	metrics.SurfacesMounted.Inc()
	go s.run(ctx)
}

func (s *Surface) run(ctx context.Context) {
	trigger := "forced"
	if obs := s.currentObserver(); obs != nil {
		select {
		case <-ctx.Done():
			obs.Disconnect()
			return
		case <-obs.Fired():
			trigger = "visible"
		}
	}
	metrics.SurfaceActivations.WithLabelValues(trigger).Inc()

	s.activate()

	start := time.Now()

	type assetResult struct{ texts []string }
	assetsCh := make(chan assetResult, 1)
	assetCtx, cancelAssets := context.WithCancel(ctx)
	defer cancelAssets()
	go func() {
		var texts []string
		if s.cfg.Loader != nil && len(s.cfg.Libraries) > 0 {
			texts = s.cfg.Loader.LoadText(assetCtx, s.cfg.Libraries)
		}
		assetsCh <- assetResult{texts: texts}
	}()

	graphHTML, err := Decode(s.input.Encoded)
	if err != nil {
		cancelAssets()
		s.fail(err, "decode")
		return
	}

	var libs []string
	select {
	case <-ctx.Done():
		return
	case res := <-assetsCh:
		libs = res.texts
	}

	doc := BuildDocument(s.input.Title, libs, graphHTML)

	s.mu.Lock()
	s.document = doc
	s.state = StateLoaded
	s.mu.Unlock()
	s.finish()

	metrics.RenderDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Surface loaded",
		zap.String("surface_id", s.id),
		zap.String("trigger", trigger),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Surface) fail(err error, reason string) {
	s.mu.Lock()
	s.err = err
	s.loading = false
	s.mu.Unlock()
	s.finish()

	metrics.RenderFailures.WithLabelValues(reason).Inc()
	logger.Warn("Surface render failed",
		zap.String("surface_id", s.id),
		zap.String("title", s.input.Title),
		zap.Error(err),
	)

	if s.cfg.OnError != nil {
		s.cfg.OnError(s, err)
	}
}

func (s *Surface) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Surface) currentObserver() *Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// activate moves the surface to Activating. It never moves state backwards.
func (s *Surface) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < StateActivating {
		s.state = StateActivating
		s.loading = true
	}
}

// Report forwards a viewport intersection ratio. It returns true when this
// report activated the surface; the state has left Armed by the time it
// returns.
func (s *Surface) Report(ratio float64) bool {
	obs := s.currentObserver()
	if obs == nil || !obs.Report(ratio) {
		return false
	}
	s.activate()
	return true
}

// Wait blocks until the document is available or the pipeline failed.
func (s *Surface) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.document == "" && s.unmounted {
		return "", ErrUnmounted
	}
	return s.document, nil
}

// Document returns the built document without blocking.
func (s *Surface) Document() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document, s.state >= StateLoaded
}

// MarkReady records that the sandboxed frame finished loading.
func (s *Surface) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
		return nil
	case StateLoaded:
		s.state = StateReady
		s.loading = false
		return nil
	default:
		return fmt.Errorf("surface %s cannot become ready from state %s", s.id, s.state)
	}
}

func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Surface) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:      s.id,
		Title:   s.input.Title,
		State:   s.state.String(),
		Loading: s.loading,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Unmount stops the pipeline and disconnects the observer. The surface is
// not reusable afterwards.
func (s *Surface) Unmount() {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.unmounted = true
	cancel := s.cancel
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs.Disconnect()
	}
	if cancel != nil {
		cancel()
		metrics.SurfacesMounted.Dec()
	}
	// Release waiters; run() exits on ctx without finishing.
	s.finish()
}
