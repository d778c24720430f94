package render

import "sync"

// Observer is a one-shot intersection watch. It fires the first time a
// reported visibility ratio reaches the threshold and disconnects itself;
// reports after that, or after Disconnect, are ignored.
type Observer struct {
	threshold float64

	mu        sync.Mutex
	connected bool
	fired     chan struct{}
}

// Observe arms a new observer for the given partial-visibility threshold.
func Observe(threshold float64) *Observer {
	return &Observer{
		threshold: threshold,
		connected: true,
		fired:     make(chan struct{}),
	}
}

// Report delivers one intersection callback. It returns true only for the
// report that triggered the observer.
func (o *Observer) Report(ratio float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.connected || ratio <= 0 || ratio < o.threshold {
		return false
	}
	o.connected = false
	close(o.fired)
	return true
}

// Fired is closed once the threshold was crossed.
func (o *Observer) Fired() <-chan struct{} {
	return o.fired
}

// Disconnect stops observing without firing.
func (o *Observer) Disconnect() {
	o.mu.Lock()
	o.connected = false
	o.mu.Unlock()
}

func (o *Observer) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}
