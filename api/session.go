package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"protracker/board"
	"protracker/domain"
	"protracker/remote"
	"protracker/storage"
	"protracker/visibility"
)

var ErrSessionsClosed = errors.New("gateway is shutting down")

// Mailer sends task reports.
type Mailer interface {
	SendTasksEmail(ctx context.Context, req remote.TasksEmail) (remote.EmailReport, error)
}

// Inviter shares brand or project access with external collaborators.
type Inviter interface {
	Invite(ctx context.Context, inv remote.Invite) error
}

// StatsSource serves dashboard aggregates.
type StatsSource interface {
	DashboardStats(ctx context.Context) (domain.DashboardStats, error)
}

// FilteredFetcher fetches a view with an explicit filter in place of the
// session's own.
type FilteredFetcher interface {
	FetchFiltered(ctx context.Context, key board.ViewKey, f visibility.Filter) ([]domain.Task, error)
}

// Backing is what one session runs against. Only Backend is required.
// ServerFiltered is set when the backend already applies the visibility
// filter to every fetch; Query then serves narrowed views. Otherwise the
// gateway filters, resolving brands and organisation pins through Projects.
type Backing struct {
	Backend        storage.Backend
	Mailer         Mailer
	Inviter        Inviter
	Stats          StatsSource
	Projects       storage.ProjectSource
	Query          FilteredFetcher
	ServerFiltered bool
	Close          func() error
}

// BackendFactory builds the backing for a new session. filter is the actor's
// mandatory visibility filter.
type BackendFactory func(actor Actor, filter visibility.Filter) (Backing, error)

// SessionOptions configure every session's board.
type SessionOptions struct {
	Policy       board.Policy
	Timeout      time.Duration
	StreamBuffer int
}

type session struct {
	id      string
	actor   Actor
	scope   visibility.Scope
	filter  visibility.Filter
	backing Backing
	store   *board.Store
	manager *board.Manager
	events  *broker

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	once   sync.Once
}

func (s *session) close(logger *log.Logger) {
	s.once.Do(func() {
		s.cancel()
		s.unsub()
		s.manager.Close()
		s.store.Close()
		s.events.close()
		if s.backing.Close != nil {
			if err := s.backing.Close(); err != nil {
				logger.WithError(err).WithField("user", s.actor.User.ID).Warn("close session backend")
			}
		}
	})
}

// Sessions keeps one board per signed-in user.
type Sessions struct {
	factory BackendFactory
	opts    SessionOptions
	logger  *log.Logger
	fanout  *Fanout

	mu     sync.Mutex
	byUser map[string]*session
	closed bool
}

func NewSessions(factory BackendFactory, opts SessionOptions, logger *log.Logger) *Sessions {
	if factory == nil {
		panic("api.NewSessions: factory is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Policy == nil {
		opts.Policy = board.DefaultPolicy()
	}
	return &Sessions{factory: factory, opts: opts, logger: logger, byUser: make(map[string]*session)}
}

// Listen routes cross-session invalidations through f and delivers what f
// receives until ctx is done. It blocks.
func (m *Sessions) Listen(ctx context.Context, f *Fanout, ready chan<- struct{}) {
	m.mu.Lock()
	m.fanout = f
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.fanout = nil
		m.mu.Unlock()
	}()
	f.Run(ctx, m.deliver, ready)
}

// Get returns the actor's session, creating it on first use. A session is
// bound to the bearer it was created with; a new bearer replaces it. The
// backend is built without holding the lock.
func (m *Sessions) Get(actor Actor) (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionsClosed
	}
	if s, ok := m.byUser[actor.User.ID]; ok && s.actor.Token == actor.Token {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.open(actor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.close(m.logger)
		return nil, ErrSessionsClosed
	}
	if cur, ok := m.byUser[actor.User.ID]; ok {
		if cur.actor.Token == actor.Token {
			// Lost the race to a concurrent Get for the same bearer.
			m.mu.Unlock()
			s.close(m.logger)
			return cur, nil
		}
		go cur.close(m.logger)
	}
	m.byUser[actor.User.ID] = s
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{"user": actor.User.ID, "role": actor.User.Role, "session": s.id}).Info("session started")
	return s, nil
}

func (m *Sessions) open(actor Actor) (*session, error) {
	scope := visibility.ScopeOf(actor.User)
	filter, err := visibility.Gate(scope, visibility.Narrowing{})
	if err != nil {
		return nil, err
	}
	backing, err := m.factory(actor, filter)
	if err != nil {
		return nil, err
	}
	if backing.Backend == nil {
		return nil, errors.New("session backend is nil")
	}

	backend := backing.Scoped(filter)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		actor:   actor,
		scope:   scope,
		filter:  filter,
		backing: backing,
		events:  newBroker(m.opts.StreamBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.store = board.NewStore(backend, m.logger)
	s.unsub = s.store.SubscribeAll(func(c board.Change) {
		s.events.publish(streamEvent{Name: eventChange, Data: c})
	})
	s.manager = board.NewManager(s.store, backend,
		board.WithPolicy(m.opts.Policy),
		board.WithTimeout(m.opts.Timeout),
		board.WithLogger(m.logger),
		board.WithResultHandler(func(res board.Result) { m.onResult(s, res) }),
	)
	return s, nil
}

func (m *Sessions) onResult(s *session, res board.Result) {
	s.events.publish(streamEvent{Name: eventResult, Data: newResultEvent(res)})
	if !res.OK() || res.NoOp || len(res.Invalidated) == 0 {
		return
	}
	msg := invalidation{Origin: s.id, TaskID: res.Request.TaskID, Keys: res.Invalidated}

	m.mu.Lock()
	fanout := m.fanout
	m.mu.Unlock()
	if fanout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := fanout.Publish(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		m.logger.WithError(err).WithField("task", msg.TaskID).Warn("publish invalidation; delivering locally")
	}
	m.deliver(msg)
}

// deliver marks the keys stale in every other session and refetches what
// those sessions have loaded.
func (m *Sessions) deliver(msg invalidation) {
	m.mu.Lock()
	targets := make([]*session, 0, len(m.byUser))
	for _, s := range m.byUser {
		if s.id != msg.Origin {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if marked := s.store.Invalidate(msg.Keys...); len(marked) == 0 {
			continue
		}
		go func(s *session) {
			if err := s.store.RefreshStale(s.ctx, msg.Keys...); err != nil && s.ctx.Err() == nil {
				m.logger.WithError(err).WithField("user", s.actor.User.ID).Warn("refetch after remote invalidation failed")
			}
		}(s)
	}
}

// End tears down the user's session, if any.
func (m *Sessions) End(userID string) bool {
	m.mu.Lock()
	s, ok := m.byUser[userID]
	delete(m.byUser, userID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close(m.logger)
	m.logger.WithFields(log.Fields{"user": userID, "session": s.id}).Info("session ended")
	return true
}

// Len reports the number of live sessions.
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser)
}

// Close ends every session and rejects new ones. Queued transitions are
// allowed to finish first.
func (m *Sessions) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*session, 0, len(m.byUser))
	for id, s := range m.byUser {
		all = append(all, s)
		delete(m.byUser, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.close(m.logger)
		}(s)
	}
	wg.Wait()
}
