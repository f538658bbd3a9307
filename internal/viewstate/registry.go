package viewstate

import "sync"

// Registry keeps one Store per viewer.
type Registry struct {
	loader Loader
	opts   []Option

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates stores on demand with loader and opts.
func NewRegistry(loader Loader, opts ...Option) *Registry {
	return &Registry{
		loader: loader,
		opts:   opts,
		stores: make(map[string]*Store),
	}
}

// Get returns the store for viewer, creating it on first use.
func (r *Registry) Get(viewer string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[viewer]
	if !ok {
		s = New(r.loader, r.opts...)
		r.stores[viewer] = s
	}
	return s
}

// Forget drops the viewer's store and its snapshot.
func (r *Registry) Forget(viewer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, viewer)
}

// Len returns the number of viewers with state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
