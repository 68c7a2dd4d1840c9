package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/vmgate/audit"
	"github.com/stephnangue/vmgate/probe"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/storage"
)

type fakeProber struct {
	reachable atomic.Bool
	probes    atomic.Int64
}

func (f *fakeProber) Probe(context.Context, string) (*probe.Health, error) {
	f.probes.Add(1)
	return &probe.Health{
		Reachable: f.reachable.Load(),
		CheckedAt: time.Now().UTC(),
	}, nil
}

type fakeInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeInvalidator) Invalidate(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, sessionID)
}

func (f *fakeInvalidator) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

type testEnv struct {
	manager     *Manager
	store       storage.Storage
	prober      *fakeProber
	invalidator *fakeInvalidator
	sink        *audit.MemorySink
}

func newTestEnv(t *testing.T, conf Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	if conf.Storage == nil {
		conf.Storage = storage.NewMemoryStorage()
	}
	if conf.Limiter == nil {
		ctrl, err := ratelimit.NewController(ratelimit.Config{
			Store: ratelimit.NewMemoryCounter(),
			Policy: ratelimit.Policy{
				ratelimit.ClassVMConnection: {Window: time.Minute, MaxRequests: 1000},
			},
		})
		require.NoError(t, err)
		conf.Limiter = ctrl
	}

	prober := &fakeProber{}
	prober.reachable.Store(true)
	if conf.Prober == nil {
		conf.Prober = prober
	}

	sink := audit.NewMemorySink("test")
	if conf.Audit == nil {
		auditor := audit.NewManager(nil)
		require.NoError(t, auditor.RegisterDevice("mem", audit.NewDevice("mem", audit.NewJSONFormat(), sink)))
		conf.Audit = auditor
	}

	m, err := NewManager(ctx, conf)
	require.NoError(t, err)

	inv := &fakeInvalidator{}
	m.SetInvalidator(inv)

	return &testEnv{
		manager:     m,
		store:       conf.Storage,
		prober:      prober,
		invalidator: inv,
		sink:        sink,
	}
}

func TestManager_InitiateActivates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, StateActive, sess.State)
	require.False(t, sess.StartedAt.IsZero())

	// One initiate and one activate transition audited
	require.Equal(t, 2, env.sink.Len())

	// Session persisted durably
	data, err := env.store.Get(ctx, sessionPrefix, sess.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateActive), data["state"])
}

func TestManager_InitiateConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	_, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	_, err = env.manager.Initiate(ctx, "42", "vm-7")
	require.ErrorIs(t, err, ErrSessionConflict)

	// Other pairs are unaffected
	_, err = env.manager.Initiate(ctx, "42", "vm-8")
	require.NoError(t, err)
	_, err = env.manager.Initiate(ctx, "43", "vm-7")
	require.NoError(t, err)
}

func TestManager_ConcurrentInitiateOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.Initiate(ctx, "42", "vm-7")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var admitted, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		default:
			require.ErrorIs(t, err, ErrSessionConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, attempts-1, conflicts)
	require.Len(t, env.manager.ListActive(ctx, "42"), 1)
}

func TestManager_InitiateAdmissionDenied(t *testing.T) {
	ctx := context.Background()
	ctrl, err := ratelimit.NewController(ratelimit.Config{
		Store: ratelimit.NewMemoryCounter(),
		Policy: ratelimit.Policy{
			ratelimit.ClassVMConnection: {Window: time.Minute, MaxRequests: 1},
		},
	})
	require.NoError(t, err)
	env := newTestEnv(t, Config{Limiter: ctrl})

	_, err = env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	_, err = env.manager.Initiate(ctx, "42", "vm-8")
	var denied *ratelimit.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, ratelimit.ClassVMConnection, denied.Class)
	require.Greater(t, denied.RetryAfter, time.Duration(0))
}

func TestManager_EndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	ended, err := env.manager.End(ctx, sess.ID, ReasonUserRequested)
	require.NoError(t, err)
	require.Equal(t, StateEndedNormal, ended.State)
	require.NotNil(t, ended.EndedAt)

	// Second end with a different reason is a no-op returning the
	// existing terminal state
	again, err := env.manager.End(ctx, sess.ID, ReasonForced)
	require.NoError(t, err)
	require.Equal(t, StateEndedNormal, again.State)
	require.Equal(t, ReasonUserRequested, again.EndReason)

	require.Equal(t, []string{sess.ID}, env.invalidator.invalidated())
	require.Empty(t, env.manager.ListActive(ctx, ""))
}

func TestManager_ConcurrentEndSingleTerminalReason(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	reasons := []EndReason{ReasonUserRequested, ReasonTimeout, ReasonForced, ReasonUserRequested}
	var wg sync.WaitGroup
	for _, reason := range reasons {
		wg.Add(1)
		go func(r EndReason) {
			defer wg.Done()
			_, err := env.manager.End(ctx, sess.ID, r)
			require.NoError(t, err)
		}(reason)
	}
	wg.Wait()

	final, err := env.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, final.State.Terminal())

	// Exactly one terminal transition happened
	require.Len(t, env.invalidator.invalidated(), 1)
}

func TestManager_EndUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.manager.End(context.Background(), "nope", ReasonUserRequested)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_MonitorUpdatesTimestamp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)
	require.Nil(t, sess.LastMonitoredAt)

	health, err := env.manager.Monitor(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, health.Reachable)

	got, err := env.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMonitoredAt)
}

func TestManager_MonitorRejectsEndedSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)
	_, err = env.manager.End(ctx, sess.ID, ReasonUserRequested)
	require.NoError(t, err)

	_, err = env.manager.Monitor(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestManager_UnreachableTimesOutOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{
		GracePeriod: 20 * time.Millisecond,
	})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	env.prober.reachable.Store(false)

	// First failing probe opens the grace window
	_, err = env.manager.Monitor(ctx, sess.ID)
	require.NoError(t, err)

	got, err := env.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, got.State)

	time.Sleep(30 * time.Millisecond)

	// Repeated polling past the grace period produces exactly one
	// timeout transition
	for i := 0; i < 5; i++ {
		if _, err := env.manager.Monitor(ctx, sess.ID); err != nil {
			require.ErrorIs(t, err, ErrSessionNotActive)
		}
	}

	final, err := env.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateEndedTimeout, final.State)
	require.Equal(t, ReasonTimeout, final.EndReason)
	require.Len(t, env.invalidator.invalidated(), 1)
}

func TestManager_ReachableProbeClearsGraceWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{
		GracePeriod: 20 * time.Millisecond,
	})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	env.prober.reachable.Store(false)
	_, err = env.manager.Monitor(ctx, sess.ID)
	require.NoError(t, err)

	// Recovery before the grace period expires resets the window
	env.prober.reachable.Store(true)
	_, err = env.manager.Monitor(ctx, sess.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	env.prober.reachable.Store(false)
	_, err = env.manager.Monitor(ctx, sess.ID)
	require.NoError(t, err)

	got, err := env.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, got.State)
}

func TestManager_ListActiveFiltersByUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	_, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)
	_, err = env.manager.Initiate(ctx, "43", "vm-7")
	require.NoError(t, err)

	require.Len(t, env.manager.ListActive(ctx, ""), 2)
	require.Len(t, env.manager.ListActive(ctx, "42"), 1)
	require.Empty(t, env.manager.ListActive(ctx, "99"))
}

func TestManager_RehydratesFromStorage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	env := newTestEnv(t, Config{Storage: store})

	active, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)
	ended, err := env.manager.Initiate(ctx, "42", "vm-8")
	require.NoError(t, err)
	_, err = env.manager.End(ctx, ended.ID, ReasonUserRequested)
	require.NoError(t, err)

	// A fresh manager over the same storage sees both sessions and
	// resumes the active one
	fresh := newTestEnv(t, Config{Storage: store})
	require.Len(t, fresh.manager.ListActive(ctx, ""), 1)

	got, err := fresh.manager.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, got.State)

	gotEnded, err := fresh.manager.Get(ctx, ended.ID)
	require.NoError(t, err)
	require.Equal(t, StateEndedNormal, gotEnded.State)

	// The still-active pair conflicts after rehydration
	_, err = fresh.manager.Initiate(ctx, "42", "vm-7")
	require.ErrorIs(t, err, ErrSessionConflict)
}

func TestManager_MonitorLoopTimesOutSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, Config{
		MonitorInterval: 10 * time.Millisecond,
		GracePeriod:     15 * time.Millisecond,
	})

	sess, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.NoError(t, err)

	env.prober.reachable.Store(false)
	env.manager.Start(ctx)
	defer env.manager.Stop()

	require.Eventually(t, func() bool {
		got, err := env.manager.Get(ctx, sess.ID)
		return err == nil && got.State == StateEndedTimeout
	}, time.Second, 10*time.Millisecond)
}

// downStorage serves reads from the wrapped memory store but fails every
// write as if the backend were down.
type downStorage struct {
	storage.Storage
	puts atomic.Int32
}

func (d *downStorage) Put(context.Context, string, string, map[string]any) error {
	d.puts.Add(1)
	return fmt.Errorf("%w: connection refused", storage.ErrUnreachable)
}

func TestManager_InitiateSurfacesStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	down := &downStorage{Storage: storage.NewMemoryStorage()}
	env := newTestEnv(t, Config{Storage: storage.NewRetryStorage(down, 3)})

	_, err := env.manager.Initiate(ctx, "42", "vm-7")
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.Equal(t, int32(3), down.puts.Load())

	// The failed persist must not leave the pair occupied
	active := env.manager.ListActive(ctx, "")
	require.Empty(t, active)

	_, err = env.manager.Initiate(ctx, "42", "vm-7")
	require.NotErrorIs(t, err, ErrSessionConflict)
}
