package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/comigor/leadbot/internal/qualify"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultHistoryLimit = 20
	DefaultMinInterval  = time.Second
)

// Options configures a Registry.
type Options struct {
	HistoryLimit int
	MinInterval  time.Duration
	Now          func() time.Time
}

type entry struct {
	mu           sync.Mutex
	session      Session
	busy         bool
	limiter      *rate.Limiter
	lastAccepted time.Time
}

// Registry owns every per-sender record. The map is guarded by mu and each
// entry by its own mutex; mu is always taken before an entry's mutex, and
// mutations hold both so an entry is never changed after eviction.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	historyLimit int
	minInterval  time.Duration
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:      make(map[string]*entry),
		historyLimit: opts.HistoryLimit,
		minInterval:  opts.MinInterval,
		now:          opts.Now,
	}
}

func (r *Registry) newEntry() *entry {
	return &entry{
		session: Session{Stage: qualify.Initial(), LastActivityAt: r.now()},
		limiter: rate.NewLimiter(rate.Every(r.minInterval), 1),
	}
}

// update runs fn on the entry of sender, creating it when missing. r.mu is
// held throughout so Reap cannot evict the entry while fn mutates it.
func (r *Registry) update(sender string, fn func(e *entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sender]
	if !ok {
		e = r.newEntry()
		r.entries[sender] = e
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (r *Registry) lookup(sender string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sender]
	return e, ok
}

// Admit applies the rate gate. It accepts the event when at least the minimum
// interval has passed since the last accepted one and records the acceptance
// immediately. Unseen senders get a fresh session.
func (r *Registry) Admit(sender string) bool {
	accepted := false
	r.update(sender, func(e *entry) {
		now := r.now()
		if !e.limiter.AllowN(now, 1) {
			return
		}
		e.lastAccepted = now
		e.session.LastActivityAt = now
		accepted = true
	})
	return accepted
}

// Acquire marks sender as being processed. It returns ok=false when a job is
// already active. The returned release func is safe to call more than once.
func (r *Registry) Acquire(sender string) (release func(), ok bool) {
	var acquired *entry
	r.update(sender, func(e *entry) {
		if e.busy {
			return
		}
		e.busy = true
		acquired = e
	})
	if acquired == nil {
		return func() {}, false
	}
	// busy entries are never reaped, so acquired is still the registered one
	var once sync.Once
	return func() {
		once.Do(func() {
			acquired.mu.Lock()
			acquired.busy = false
			acquired.mu.Unlock()
		})
	}, true
}

// Busy reports whether a job is active for sender.
func (r *Registry) Busy(sender string) bool {
	e, ok := r.lookup(sender)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Reset clears history, turn count and stage while keeping the session, its
// processing flag and its rate record. It bumps the session epoch so writes
// prepared against the old conversation are rejected by AppendIf and
// SetStageIf.
func (r *Registry) Reset(sender string) {
	r.update(sender, func(e *entry) {
		e.session.History = nil
		e.session.Turns = 0
		e.session.Stage = qualify.Initial()
		e.session.Epoch++
		e.session.LastActivityAt = r.now()
	})
}

// Append adds a turn and trims history to the configured limit, oldest
// first. User turns increment the turn counter.
func (r *Registry) Append(sender string, turn Turn) {
	r.update(sender, func(e *entry) { r.appendTurn(e, turn) })
}

// AppendIf appends turn only while the session is still at epoch.
func (r *Registry) AppendIf(sender string, epoch uint64, turn Turn) bool {
	ok := false
	r.update(sender, func(e *entry) {
		if e.session.Epoch != epoch {
			return
		}
		r.appendTurn(e, turn)
		ok = true
	})
	return ok
}

func (r *Registry) appendTurn(e *entry, turn Turn) {
	s := &e.session
	s.History = append(s.History, turn)
	if over := len(s.History) - r.historyLimit; over > 0 {
		s.History = append([]Turn(nil), s.History[over:]...)
	}
	if turn.Role == RoleUser {
		s.Turns++
	}
	s.LastActivityAt = r.now()
}

// SetStage replaces the qualification stage.
func (r *Registry) SetStage(sender string, stage qualify.Stage) {
	r.update(sender, func(e *entry) { e.session.Stage = stage })
}

// SetStageIf replaces the stage only while the session is still at epoch.
func (r *Registry) SetStageIf(sender string, epoch uint64, stage qualify.Stage) bool {
	ok := false
	r.update(sender, func(e *entry) {
		if e.session.Epoch != epoch {
			return
		}
		e.session.Stage = stage
		ok = true
	})
	return ok
}

// Snapshot returns a copy of the session for sender.
func (r *Registry) Snapshot(sender string) (Session, bool) {
	e, ok := r.lookup(sender)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), true
}

// LastActivity returns when sender was last active, if tracked.
func (r *Registry) LastActivity(sender string) (time.Time, bool) {
	e, ok := r.lookup(sender)
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.LastActivityAt, true
}

// LastAccepted returns when the rate gate last admitted an event from sender.
func (r *Registry) LastAccepted(sender string) (time.Time, bool) {
	e, ok := r.lookup(sender)
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccepted, !e.lastAccepted.IsZero()
}

// Len returns the number of tracked senders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reap evicts every sender idle for longer than idle, removing its session,
// processing flag and rate record together. Senders with an active job are
// never evicted, however old their last activity.
func (r *Registry) Reap(idle time.Duration) []string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for sender, e := range r.entries {
		e.mu.Lock()
		stale := !e.busy && now.Sub(e.session.LastActivityAt) > idle
		e.mu.Unlock()
		if stale {
			delete(r.entries, sender)
			evicted = append(evicted, sender)
		}
	}
	return evicted
}
