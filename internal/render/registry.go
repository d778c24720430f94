package render

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrSurfaceNotFound = errors.New("surface not found")

// Registry owns the surfaces mounted for one session. Mounting a slot that
// already holds a surface unmounts the old one first, so a graph shown twice
// in a row never shares render state and reloads do not leak surfaces.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    SurfaceConfig

	mu       sync.Mutex
	surfaces map[string]*Surface
	slots    map[string]string
	slotOf   map[string]string
}

func NewRegistry(ctx context.Context, cfg SurfaceConfig) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		surfaces: make(map[string]*Surface),
		slots:    make(map[string]string),
		slotOf:   make(map[string]string),
	}
}

// Mount creates and starts a fresh surface for slot.
func (r *Registry) Mount(slot string, input Input) *Surface {
	s := NewSurface(uuid.NewString(), input, r.cfg)

	r.mu.Lock()
	prevID, hadPrev := r.slots[slot]
	var prev *Surface
	if hadPrev {
		prev = r.surfaces[prevID]
		delete(r.surfaces, prevID)
		delete(r.slotOf, prevID)
	}
	r.surfaces[s.ID()] = s
	r.slots[slot] = s.ID()
	r.slotOf[s.ID()] = slot
	r.mu.Unlock()

	if prev != nil {
		prev.Unmount()
	}
	s.Start(r.ctx)
	return s
}

func (r *Registry) Get(id string) (*Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.surfaces[id]
	if !ok {
		return nil, ErrSurfaceNotFound
	}
	return s, nil
}

func (r *Registry) Unmount(id string) error {
	r.mu.Lock()
	s, ok := r.surfaces[id]
	if ok {
		delete(r.surfaces, id)
		if slot := r.slotOf[id]; r.slots[slot] == id {
			delete(r.slots, slot)
		}
		delete(r.slotOf, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSurfaceNotFound
	}
	s.Unmount()
	return nil
}

// UnmountPrefix unmounts every surface whose slot starts with prefix and
// returns how many were removed.
func (r *Registry) UnmountPrefix(prefix string) int {
	r.mu.Lock()
	var gone []*Surface
	for slot, id := range r.slots {
		if !strings.HasPrefix(slot, prefix) {
			continue
		}
		gone = append(gone, r.surfaces[id])
		delete(r.surfaces, id)
		delete(r.slotOf, id)
		delete(r.slots, slot)
	}
	r.mu.Unlock()

	for _, s := range gone {
		s.Unmount()
	}
	return len(gone)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.surfaces)
}

// Close unmounts every surface. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		all = append(all, s)
	}
	r.surfaces = make(map[string]*Surface)
	r.slots = make(map[string]string)
	r.slotOf = make(map[string]string)
	r.mu.Unlock()

	for _, s := range all {
		s.Unmount()
	}
	r.cancel()
}
