package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// State tracks which language an engine has loaded. At most one load runs at
// a time, and a load never replaces a backend that still has handles out.
// Callers waiting for a language being loaded reuse that load.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	language    string
	initialized bool
	backend     Backend

	loading   bool
	active    int
	switching int

	inits atomic.Int64
}

// NewState returns an uninitialized state
func NewState() *State {
	s := &State{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Language returns the loaded language code and whether a backend is loaded
func (s *State) Language() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language, s.initialized
}

// Inits counts successful (re)initializations
func (s *State) Inits() int64 {
	return s.inits.Load()
}

// acquire returns a backend loaded for code and registers one active handle.
// Release must be called exactly once per successful acquire.
func (s *State) acquire(ctx context.Context, code string, load Loader) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := false
	defer func() {
		if waiting {
			s.switching--
		}
	}()

	// Waiters are woken when ctx ends so they can give up.
	var stopWake func() bool
	defer func() {
		if stopWake != nil {
			stopWake()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ready := s.initialized && s.language == code && !s.loading
		if ready && (s.switching == 0 || waiting) {
			s.active++
			return s.backend, nil
		}

		if !ready && !s.loading && s.active == 0 {
			if err := s.reload(ctx, code, load); err != nil {
				return nil, err
			}
			// the loader keeps its load even if another language is now waiting
			s.active++
			return s.backend, nil
		}

		if !ready && !waiting {
			waiting = true
			s.switching++
		}
		if stopWake == nil {
			stopWake = context.AfterFunc(ctx, func() {
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			})
		}
		s.cond.Wait()
	}
}

// reload swaps the backend. Called with mu held and no active handles.
func (s *State) reload(ctx context.Context, code string, load Loader) error {
	s.loading = true
	old := s.backend
	s.backend = nil
	s.initialized = false
	s.language = ""
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.Warn("Failed to close previous backend", "error", err)
		}
	}
	b, err := load(ctx, code)

	s.mu.Lock()
	s.loading = false
	s.cond.Broadcast()
	if err != nil {
		return err
	}

	s.backend = b
	s.language = code
	s.initialized = true
	s.inits.Add(1)
	return nil
}

func (s *State) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	if s.active == 0 {
		s.cond.Broadcast()
	}
}

// close tears down the loaded backend once no handles are out
func (s *State) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 || s.loading {
		s.cond.Wait()
	}
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	s.initialized = false
	s.language = ""
	return err
}
