package board

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"protracker/domain"
)

const (
	defaultTransitionTimeout = 30 * time.Second
	genericFailureMessage    = "failed to update status"
)

var (
	ErrUnknownTask = errors.New("task is not in any loaded view")
	ErrClosed      = errors.New("transition manager is closed")
)

// TaskService is the authoritative backend for status changes.
type TaskService interface {
	UpdateStatus(ctx context.Context, taskID string, status domain.Status) error
}

// TransitionRequest lives from Submit until its Result is delivered.
type TransitionRequest struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"taskId"`
	TargetStatus     domain.Status `json:"targetStatus"`
	AffectedViewKeys []ViewKey     `json:"affectedViewKeys,omitempty"`
}

// Result is the outcome of one transition. Err is nil on success and a
// *TransitionError after a rollback. Invalidated lists the keys that were
// marked stale after the commit.
type Result struct {
	Request     TransitionRequest
	NoOp        bool
	Invalidated []ViewKey
	Err         error
}

func (r Result) OK() bool { return r.Err == nil }

// TransitionError reports a rejected or failed commit. Message is what the
// user should see.
type TransitionError struct {
	TaskID  string
	Status  domain.Status
	Message string
	Err     error
}

func (e *TransitionError) Error() string { return e.Message }

func (e *TransitionError) Unwrap() error { return e.Err }

type job struct {
	ctx     context.Context
	req     TransitionRequest
	queued  time.Time
	done    chan Result
	metrics *transitionMetrics

	prepared bool
	noop     bool
	snaps    []viewSnapshot
	writes   []viewWrite
	task     domain.Task
	versions map[ViewKey]uint64
}

type Manager struct {
	store    *Store
	remote   TaskService
	policy   Policy
	logger   *log.Logger
	timeout  time.Duration
	onResult func(Result)

	mu     sync.Mutex
	lanes  map[string][]*job
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithTimeout bounds each UpdateStatus call.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithResultHandler receives every Result, including those of fire-and-forget requests.
func WithResultHandler(fn func(Result)) Option {
	return func(m *Manager) { m.onResult = fn }
}

func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager binds a manager to store and remote.
func NewManager(store *Store, remote TaskService, opts ...Option) *Manager {
	if store == nil {
		panic("board.NewManager: store is nil")
	}
	if remote == nil {
		panic("board.NewManager: task service is nil")
	}
	m := &Manager{
		store:   store,
		remote:  remote,
		policy:  DefaultPolicy(),
		logger:  store.logger,
		timeout: defaultTransitionTimeout,
		lanes:   make(map[string][]*job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the store the manager writes to.
func (m *Manager) Store() *Store { return m.store }

// Submit validates the request and queues it behind any pending request for
// the same task. Validation errors are returned before anything is mutated.
// The channel receives exactly one Result. Cancelling ctx does not abort a
// queued or in-flight commit.
func (m *Manager) Submit(ctx context.Context, taskID string, target domain.Status) (<-chan Result, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, target)
	}
	if taskID == "" || !m.store.Contains(taskID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}

	j := &job{
		ctx:    context.WithoutCancel(ctx),
		req:    TransitionRequest{ID: uuid.NewString(), TaskID: taskID, TargetStatus: target},
		queued: time.Now(),
		done:   make(chan Result, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	queue, running := m.lanes[taskID]
	m.lanes[taskID] = append(queue, j)
	if !running {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	// An idle lane applies the optimistic write before Submit returns.
	if !running {
		m.prepare(j)
		go m.drain(taskID)
	}
	return j.done, nil
}

// RequestTransition is the fire-and-forget form of Submit; the outcome goes to
// the result handler.
func (m *Manager) RequestTransition(ctx context.Context, taskID string, target domain.Status) error {
	_, err := m.Submit(ctx, taskID, target)
	return err
}

// Transition submits and waits for the outcome.
func (m *Manager) Transition(ctx context.Context, taskID string, target domain.Status) error {
	ch, err := m.Submit(ctx, taskID, target)
	if err != nil {
		return err
	}
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many requests are queued or running for taskID.
func (m *Manager) Pending(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes[taskID])
}

// Close stops accepting requests and waits for queued ones to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) drain(taskID string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		queue := m.lanes[taskID]
		if len(queue) == 0 {
			delete(m.lanes, taskID)
			m.mu.Unlock()
			return
		}
		j := queue[0]
		m.mu.Unlock()

		if !j.prepared {
			m.prepare(j)
		}
		res := m.resolve(j)

		// The job stays at the head of the lane while it runs so that Pending
		// counts it and new requests queue behind it.
		m.mu.Lock()
		queue = m.lanes[taskID]
		queue[0] = nil
		m.lanes[taskID] = queue[1:]
		m.mu.Unlock()

		j.done <- res
		if m.onResult != nil {
			m.onResult(res)
		}
	}
}

// prepare cancels refreshes of the views holding the task, snapshots them and
// applies the optimistic status to all of them in one step.
func (m *Manager) prepare(j *job) {
	j.prepared = true
	j.metrics, j.ctx = newTransitionMetrics(j.ctx, m.logger, j.req, j.queued)

	j.snaps = m.store.snapshotFor(j.req.TaskID)
	j.req.AffectedViewKeys = make([]ViewKey, 0, len(j.snaps))
	for _, sn := range j.snaps {
		j.req.AffectedViewKeys = append(j.req.AffectedViewKeys, sn.key)
	}

	j.writes, j.task = optimisticWrites(j.snaps, j.req.TaskID, j.req.TargetStatus)
	j.metrics.SetViews(len(j.snaps), len(j.writes))
	if len(j.snaps) > 0 && len(j.writes) == 0 {
		j.noop = true
		return
	}
	j.versions = m.store.setAll(j.writes, j.req.TaskID, j.req.TargetStatus)
}

// resolve commits a prepared job and then reconciles or rolls back.
func (m *Manager) resolve(j *job) Result {
	req, metrics, ctx := j.req, j.metrics, j.ctx
	if j.noop {
		metrics.SetOutcome(outcomeNoop)
		metrics.Finish(nil)
		return Result{Request: req, NoOp: true}
	}

	commitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	commitStart := time.Now()
	err := m.remote.UpdateStatus(commitCtx, req.TaskID, req.TargetStatus)
	metrics.ObserveCommit(time.Since(commitStart))
	cancel()

	m.store.unpin(req.TaskID)

	if err != nil {
		for _, w := range j.writes {
			m.store.restore(snapshotOf(j.snaps, w.key), j.versions[w.key], req.TaskID)
		}
		te := &TransitionError{
			TaskID:  req.TaskID,
			Status:  req.TargetStatus,
			Message: failureMessage(err),
			Err:     err,
		}
		metrics.SetOutcome(outcomeRolledBack)
		metrics.Finish(te)
		return Result{Request: req, Err: te}
	}

	task := j.task
	if task.ID == "" {
		task = domain.Task{ID: req.TaskID}
	}
	task.Status = req.TargetStatus
	keys := dedupeKeys(append(append([]ViewKey(nil), req.AffectedViewKeys...), m.policy.Dependents(task, req.AffectedViewKeys)...))
	m.store.Invalidate(keys...)

	refreshStart := time.Now()
	refreshErr := m.store.RefreshStale(ctx, keys...)
	metrics.ObserveRefresh(time.Since(refreshStart), refreshErr != nil)
	if refreshErr != nil {
		m.logger.WithError(refreshErr).WithField("task", req.TaskID).Warn("reconcile refetch failed; views left stale")
	}

	metrics.SetOutcome(outcomeCommitted)
	metrics.Finish(nil)
	return Result{Request: req, Invalidated: keys}
}

// optimisticWrites derives the new contents of every view from its snapshot.
// Views already showing target are left out.
func optimisticWrites(snaps []viewSnapshot, taskID string, target domain.Status) ([]viewWrite, domain.Task) {
	var (
		writes []viewWrite
		task   domain.Task
	)
	for _, sn := range snaps {
		i := domain.IndexOf(sn.tasks, taskID)
		if i < 0 {
			continue
		}
		if task.ID == "" {
			task = sn.tasks[i]
		}
		if sn.tasks[i].Status == target {
			continue
		}
		next := cloneTasks(sn.tasks)
		next[i] = next[i].WithStatus(target)
		writes = append(writes, viewWrite{key: sn.key, tasks: next})
	}
	return writes, task
}

func snapshotOf(snaps []viewSnapshot, key ViewKey) viewSnapshot {
	for _, sn := range snaps {
		if sn.key == key {
			return sn
		}
	}
	return viewSnapshot{key: key}
}

func failureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return genericFailureMessage
	}
	// Transport errors name internal hosts.
	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return genericFailureMessage
	}
	var remoteErr *domain.RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.Message != "" {
			return remoteErr.Message
		}
		return genericFailureMessage
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return genericFailureMessage
}
