package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stephnangue/vmgate/audit"
	"github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/probe"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/storage"
)

const (
	sessionPrefix = "sessions"

	DefaultMonitorInterval = 30 * time.Second
	DefaultGracePeriod     = 90 * time.Second
)

// Invalidator revokes the connection artifact of a session. Wired to the
// artifact generator at startup.
type Invalidator interface {
	Invalidate(sessionID string)
}

// Config assembles a Manager
type Config struct {
	Storage storage.Storage
	Limiter *ratelimit.Controller
	Prober  probe.Prober
	Audit   audit.Manager
	Logger  *logger.GatedLogger

	// MonitorInterval is the background monitor loop period
	MonitorInterval time.Duration

	// GracePeriod is how long a session may stay unreachable before it
	// times out
	GracePeriod time.Duration
}

// Manager owns the session table. All state transitions for one
// (user, vm) pair are serialized through a per-pair lock; unrelated pairs
// proceed in parallel. Terminal transitions are applied only after
// re-checking the state under the lock, so a concurrent End always wins
// over an in-flight monitor cycle.
type Manager struct {
	store       storage.Storage
	limiter     *ratelimit.Controller
	prober      probe.Prober
	auditor     audit.Manager
	log         *logger.GatedLogger
	invalidator Invalidator

	monitorInterval time.Duration
	gracePeriod     time.Duration

	mu           sync.RWMutex
	sessions     map[string]*Session
	activeByPair map[string]string

	lockMu    sync.Mutex
	pairLocks map[string]*sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager and rehydrates the session table from
// durable storage. Terminal sessions are kept for audit replay; active
// sessions resume monitoring.
func NewManager(ctx context.Context, conf Config) (*Manager, error) {
	if conf.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if conf.Limiter == nil {
		return nil, fmt.Errorf("rate limit controller is required")
	}
	if conf.MonitorInterval <= 0 {
		conf.MonitorInterval = DefaultMonitorInterval
	}
	if conf.GracePeriod <= 0 {
		conf.GracePeriod = DefaultGracePeriod
	}

	m := &Manager{
		store:           conf.Storage,
		limiter:         conf.Limiter,
		prober:          conf.Prober,
		auditor:         conf.Audit,
		log:             conf.Logger,
		monitorInterval: conf.MonitorInterval,
		gracePeriod:     conf.GracePeriod,
		sessions:        make(map[string]*Session),
		activeByPair:    make(map[string]string),
		pairLocks:       make(map[string]*sync.Mutex),
		stopCh:          make(chan struct{}),
	}

	if err := m.rehydrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to load persisted sessions: %w", err)
	}

	return m, nil
}

// SetInvalidator wires the artifact generator in. Done after construction
// because the generator is built later in startup.
func (m *Manager) SetInvalidator(inv Invalidator) {
	m.invalidator = inv
}

func (m *Manager) rehydrate(ctx context.Context) error {
	ids, err := m.store.List(ctx, sessionPrefix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		data, err := m.store.Get(ctx, sessionPrefix, id)
		if err != nil {
			return err
		}
		sess, err := sessionFromMap(data)
		if err != nil {
			return fmt.Errorf("session %q: %w", id, err)
		}
		m.sessions[sess.ID] = sess
		if sess.State == StateActive {
			m.activeByPair[sess.pairKey()] = sess.ID
		}
	}
	return nil
}

// lockPair serializes transitions for one (user, vm) pair
func (m *Manager) lockPair(key string) func() {
	m.lockMu.Lock()
	l, ok := m.pairLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.pairLocks[key] = l
	}
	m.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Initiate admits and opens a session for the (user, vm) pair. A second
// initiate while one is active fails with ErrSessionConflict.
func (m *Manager) Initiate(ctx context.Context, userID, vmID string) (*Session, error) {
	if userID == "" || vmID == "" {
		return nil, fmt.Errorf("user id and vm id are required")
	}

	if _, err := m.limiter.Admit(ctx, ratelimit.UserScopeKey(userID), ratelimit.ClassVMConnection); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		VMID:      vmID,
		State:     StateRequested,
		StartedAt: now,
	}

	unlock := m.lockPair(sess.pairKey())
	defer unlock()

	m.mu.RLock()
	_, conflict := m.activeByPair[sess.pairKey()]
	m.mu.RUnlock()
	if conflict {
		return nil, ErrSessionConflict
	}

	sess.State = StateAdmitted
	m.emitAudit(ctx, audit.ActionSessionInitiate, sess, nil)

	sess.State = StateActive
	if err := m.persist(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.activeByPair[sess.pairKey()] = sess.ID
	clone := sess.Clone()
	m.mu.Unlock()

	m.emitAudit(ctx, audit.ActionSessionActivate, clone, nil)

	if m.log != nil {
		m.log.Info("session activated",
			logger.String("session_id", sess.ID),
			logger.String("user_id", userID),
			logger.String("vm_id", vmID),
		)
	}

	return clone, nil
}

// Get returns the session with the given id
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ListActive returns active sessions, optionally filtered by user
func (m *Manager) ListActive(_ context.Context, userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, id := range m.activeByPair {
		sess, ok := m.sessions[id]
		if !ok {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		out = append(out, sess.Clone())
	}
	return out
}

// Monitor probes the session's VM and records the result. Only active
// sessions can be monitored. A session unreachable for longer than the
// grace period transitions to EndedTimeout; if a concurrent End already
// terminated the session the pending update is discarded.
func (m *Manager) Monitor(ctx context.Context, sessionID string) (*probe.Health, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	var state State
	var vmID string
	if ok {
		state = sess.State
		vmID = sess.VMID
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if state != StateActive {
		return nil, ErrSessionNotActive
	}

	var health *probe.Health
	if m.prober != nil {
		h, err := m.prober.Probe(ctx, vmID)
		if err != nil {
			return nil, fmt.Errorf("reachability probe failed: %w", err)
		}
		health = h
	} else {
		health = &probe.Health{Reachable: true, CheckedAt: time.Now().UTC()}
	}

	unlock := m.lockPair(sess.pairKey())
	defer unlock()

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok || sess.State != StateActive {
		// Lost the race against a concurrent End
		m.mu.Unlock()
		return health, nil
	}

	now := time.Now().UTC()
	sess.LastMonitoredAt = &now
	timedOut := false
	if health.Reachable {
		sess.unreachableSince = nil
	} else {
		if sess.unreachableSince == nil {
			since := now
			sess.unreachableSince = &since
		} else if now.Sub(*sess.unreachableSince) > m.gracePeriod {
			timedOut = true
		}
	}
	clone := sess.Clone()
	m.mu.Unlock()

	if timedOut {
		if _, err := m.endLocked(ctx, sessionID, ReasonTimeout); err != nil {
			return health, err
		}
		return health, nil
	}

	if err := m.persist(ctx, clone); err != nil && m.log != nil {
		m.log.Error("failed to persist monitor update",
			logger.String("session_id", sessionID),
			logger.Err(err),
		)
	}

	return health, nil
}

// End transitions the session to the terminal state matching reason.
// Ending an already-ended session is a no-op returning the existing
// terminal session. The connection artifact is invalidated regardless of
// reason.
func (m *Manager) End(ctx context.Context, sessionID string, reason EndReason) (*Session, error) {
	if _, err := terminalState(reason); err != nil {
		return nil, err
	}

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	var pairKey string
	if ok {
		pairKey = sess.pairKey()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	unlock := m.lockPair(pairKey)
	defer unlock()

	return m.endLocked(ctx, sessionID, reason)
}

// endLocked applies the terminal transition. The caller holds the pair
// lock.
func (m *Manager) endLocked(ctx context.Context, sessionID string, reason EndReason) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.State.Terminal() {
		clone := sess.Clone()
		m.mu.Unlock()
		return clone, nil
	}

	state, err := terminalState(reason)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	sess.State = state
	sess.EndReason = reason
	sess.EndedAt = &now
	sess.unreachableSince = nil
	delete(m.activeByPair, sess.pairKey())
	clone := sess.Clone()
	m.mu.Unlock()

	if err := m.persist(ctx, clone); err != nil && m.log != nil {
		m.log.Error("failed to persist session end",
			logger.String("session_id", sessionID),
			logger.Err(err),
		)
	}

	if m.invalidator != nil {
		m.invalidator.Invalidate(sessionID)
	}

	action := audit.ActionSessionEnd
	if reason == ReasonTimeout {
		action = audit.ActionSessionTimeout
	}
	m.emitAudit(ctx, action, clone, map[string]interface{}{
		"reason": string(reason),
	})

	if m.log != nil {
		m.log.Info("session ended",
			logger.String("session_id", sessionID),
			logger.String("reason", string(reason)),
			logger.String("state", string(state)),
		)
	}

	return clone, nil
}

// Start launches the background monitor loop. It polls every active
// session at the configured interval and never blocks request admission.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.monitorCycle(ctx)
			}
		}
	}()
}

// Stop halts the monitor loop and waits for it to finish
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) monitorCycle(ctx context.Context) {
	for _, sess := range m.ListActive(ctx, "") {
		if _, err := m.Monitor(ctx, sess.ID); err != nil && m.log != nil {
			m.log.Warn("monitor cycle failed",
				logger.String("session_id", sess.ID),
				logger.Err(err),
			)
		}
	}
}

func (m *Manager) persist(ctx context.Context, sess *Session) error {
	return m.store.Put(ctx, sessionPrefix, sess.ID, sess.asMap())
}

func (m *Manager) emitAudit(ctx context.Context, action audit.Action, sess *Session, metadata map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["vm_id"] = sess.VMID
	metadata["state"] = string(sess.State)

	_, err := m.auditor.LogEvent(ctx, &audit.Event{
		Action:    action,
		ActorID:   sess.UserID,
		TargetID:  sess.ID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if err != nil && m.log != nil {
		m.log.Error("failed to audit session transition",
			logger.String("session_id", sess.ID),
			logger.String("action", string(action)),
			logger.Err(err),
		)
	}
}
