// Package sessions tracks at most one live conversation session per
// user.
package sessions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxbridge-ai/voxbridge/pkg/bridge/session"
)

// Factory builds a fresh session for a user. The registry passes its
// own removal hook through deps wiring done by the caller.
type Factory func(user string) (*session.Session, error)

// Registry serializes session replacement per user: starting a new
// session tears the old one down first, and two concurrent starts for
// the same user cannot both win.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes begin/replace/end for one user. Its lock is held
// across the (blocking) teardown and dial, so it must never be taken
// while holding Registry.mu.
type slot struct {
	mu      sync.Mutex
	current *session.Session
}

func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		slots:   make(map[string]*slot),
	}
}

func (r *Registry) slotFor(user string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[user]
	if !ok {
		sl = &slot{}
		r.slots[user] = sl
	}
	return sl
}

// Begin starts a session for user, ending any existing one first. The
// old session is fully torn down before the new one dials.
func (r *Registry) Begin(ctx context.Context, user string) (*session.Session, error) {
	sl := r.slotFor(user)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if old := sl.current; old != nil {
		r.logger.Info("replacing live session", "user", user, "old_session_id", old.ID())
		old.End()
		sl.current = nil
	}

	s, err := r.factory(user)
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	sl.current = s
	return s, nil
}

// Get returns the user's live session, or nil.
func (r *Registry) Get(user string) *session.Session {
	sl := r.slotFor(user)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current
}

// End tears down the user's session if one is live. Returns whether a
// session was found.
func (r *Registry) End(user string) bool {
	sl := r.slotFor(user)
	sl.mu.Lock()
	s := sl.current
	sl.current = nil
	sl.mu.Unlock()

	if s == nil {
		return false
	}
	s.End()
	return true
}

// Remove drops s from the registry if it is still the user's current
// session. Wired as the session OnClose hook so that a connection loss
// clears the slot without caller involvement. It must not call End:
// the session is already closed, and End from inside the close path
// would deadlock on the slot during a replacement.
func (r *Registry) Remove(s *session.Session) {
	sl := r.slotFor(s.User())
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.current == s {
		sl.current = nil
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, sl := range r.slots {
		slots = append(slots, sl)
	}
	r.mu.Unlock()

	n := 0
	for _, sl := range slots {
		sl.mu.Lock()
		if sl.current != nil {
			n++
		}
		sl.mu.Unlock()
	}
	return n
}

// CloseAll ends every live session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	users := make([]string, 0, len(r.slots))
	for user := range r.slots {
		users = append(users, user)
	}
	r.mu.Unlock()

	for _, user := range users {
		r.End(user)
	}
}
