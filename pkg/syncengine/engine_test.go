package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/testlog"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/clinicsync/clinicsync/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMode struct{ mode models.ConnectionMode }

func (m *fakeMode) Mode() models.ConnectionMode { return m.mode }

// fakePrimary serves rows per table; tables in failing return an error.
type fakePrimary struct {
	rows    map[string][]models.Record
	failing map[string]error
	calls   []string
}

func (p *fakePrimary) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	p.calls = append(p.calls, fmt.Sprintf("%s@%d", spec.Name, offset))
	if err := p.failing[spec.Name]; err != nil {
		return nil, err
	}
	all := p.rows[spec.Name]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (p *fakePrimary) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	return nil, constants.ErrNotFound
}

// fakeReplayer fails every replay of the record ids in failing.
type fakeReplayer struct {
	mu       sync.Mutex
	failing  map[string]error
	replayed []string
}

func (r *fakeReplayer) Replay(ctx context.Context, e *models.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing[e.RecordID]; err != nil {
		return err
	}
	r.replayed = append(r.replayed, e.RecordID)
	return nil
}

func newCache(t *testing.T) *sqlite.Store {
	t.Helper()
	cache, err := sqlite.Open(sqlite.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

var (
	patients     = models.TableSpec{Name: "patients"}
	staff        = models.TableSpec{Name: "staff"}
	appointments = models.TableSpec{Name: "appointments", DependsOn: []string{"patients", "staff"}}
)

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	primary := &fakePrimary{rows: map[string][]models.Record{
		"patients":     {{"id": "p-1", "active": true}, {"id": "p-2", "active": false}, {"id": "p-3"}},
		"staff":        {{"id": "s-1"}},
		"appointments": {{"id": "a-1", "patient_id": "p-1", "details": map[string]any{"room": 4}}},
	}}
	e := New(primary, cache, &fakeReplayer{}, &fakeMode{models.ModePrimary}, WithPageSize(2))
	e.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }

	report := e.SyncAll(ctx, []models.TableSpec{appointments, patients, staff})
	require.True(t, report.Success)
	assert.Nil(t, report.Error)
	assert.Equal(t, []string{"patients", "staff", "appointments"}, report.TablesSynced)
	assert.Equal(t, map[string]int{"patients": 3, "staff": 1, "appointments": 1}, report.RecordsCount)

	// Paginated by the configured page size.
	assert.Equal(t, []string{"patients@0", "patients@2", "staff@0", "appointments@0"}, primary.calls)

	rec, err := cache.Get(ctx, patients, "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec["active"])
	rec, err = cache.Get(ctx, appointments, "a-1")
	require.NoError(t, err)
	assert.Equal(t, `{"room":4}`, rec["details"])

	last, err := e.LastSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), *last)
}

func TestSyncAll_partialFailure(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	primary := &fakePrimary{
		rows: map[string][]models.Record{
			"patients":     {{"id": "p-1"}},
			"appointments": {{"id": "a-1"}},
		},
		failing: map[string]error{"staff": &remote.ConnectivityError{Backend: "primary", Kind: remote.FailureTimeout, Err: context.DeadlineExceeded}},
	}
	e := New(primary, cache, &fakeReplayer{}, &fakeMode{models.ModePrimary})

	report := e.SyncAll(ctx, []models.TableSpec{patients, staff, appointments})
	assert.False(t, report.Success)
	require.NotNil(t, report.Error)
	assert.Contains(t, *report.Error, "staff")
	assert.Equal(t, []string{"patients", "appointments"}, report.TablesSynced)

	_, err := cache.Get(ctx, patients, "p-1")
	require.NoError(t, err)
	_, err = cache.Get(ctx, appointments, "a-1")
	require.NoError(t, err)

	last, err := e.LastSync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSyncAll_cycle(t *testing.T) {
	e := New(&fakePrimary{}, newCache(t), &fakeReplayer{}, &fakeMode{models.ModePrimary})
	report := e.SyncAll(context.Background(), []models.TableSpec{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	assert.False(t, report.Success)
	require.NotNil(t, report.Error)
	assert.Contains(t, *report.Error, "cycle")
}

func queue(t *testing.T, cache *sqlite.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		e, err := models.NewOutboxEntry("patients", id, models.ActionCreate, models.Record{"id": id})
		require.NoError(t, err)
		_, err = cache.AppendOutbox(context.Background(), e)
		require.NoError(t, err)
	}
}

func pendingIDs(t *testing.T, cache *sqlite.Store) []string {
	t.Helper()
	entries, err := cache.ScanUnsynced(context.Background(), 0)
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.RecordID)
	}
	return ids
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	queue(t, cache, "e1", "e2", "e3", "e4", "e5")
	replayer := &fakeReplayer{}

	e := New(&fakePrimary{}, cache, replayer, &fakeMode{models.ModeSecondary}, WithDrainBatch(2))
	report := e.Drain(ctx)
	assert.Nil(t, report.Error)
	assert.Equal(t, models.ModeSecondary, report.Mode)
	assert.Equal(t, 5, report.Synced)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, replayer.replayed)
	assert.Empty(t, pendingIDs(t, cache))

	// Nothing left: a second drain is a no-op.
	report = e.Drain(ctx)
	assert.Zero(t, report.Attempted)
}

func TestDrain_haltsAtFirstFailure(t *testing.T) {
	testcases := []struct {
		name string
		err  error
	}{
		{"network", &remote.ConnectivityError{Backend: "primary", Kind: remote.FailureRefused, Err: fmt.Errorf("refused")}},
		{"malformed", fmt.Errorf("%w: entry 3", constants.ErrMalformedPayload)},
		{"rejected", &remote.RejectedError{Backend: "primary", Status: 409, Message: "conflict"}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cache := newCache(t)
			queue(t, cache, "e1", "e2", "e3", "e4", "e5")
			replayer := &fakeReplayer{failing: map[string]error{"e3": tc.err}}
			log, logs := testlog.Logger()
			e := New(&fakePrimary{}, cache, replayer, &fakeMode{models.ModePrimary}, WithLogger(log))

			// Retrying does not skip past the failing entry.
			for attempt := 0; attempt < 3; attempt++ {
				report := e.Drain(ctx)
				require.NotNil(t, report.HaltedAt)
				assert.Equal(t, int64(3), *report.HaltedAt)
				require.ErrorIs(t, report.Err, tc.err)
				assert.Equal(t, int64(3), report.Remaining)
				assert.Equal(t, []string{"e3", "e4", "e5"}, pendingIDs(t, cache))
			}
			assert.Equal(t, []string{"e1", "e2"}, replayer.replayed)
			assert.True(t, logs.Contains(slog.LevelWarn, "outbox drain halted"))

			// Once the cause is gone the rest drains in order.
			replayer.mu.Lock()
			replayer.failing = nil
			replayer.mu.Unlock()
			report := e.Drain(ctx)
			assert.Nil(t, report.Error)
			assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, replayer.replayed)
		})
	}
}

func TestDrain_offline(t *testing.T) {
	cache := newCache(t)
	queue(t, cache, "e1")
	replayer := &fakeReplayer{}
	e := New(&fakePrimary{}, cache, replayer, &fakeMode{models.ModeOffline})

	report := e.Drain(context.Background())
	require.ErrorIs(t, report.Err, constants.ErrOffline)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, int64(1), report.Remaining)
	assert.Empty(t, replayer.replayed)

	pending, err := e.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

// blockingReplayer holds the first replay until released.
type blockingReplayer struct {
	fakeReplayer
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingReplayer) Replay(ctx context.Context, e *models.OutboxEntry) error {
	r.once.Do(func() {
		close(r.started)
		<-r.release
	})
	return r.fakeReplayer.Replay(ctx, e)
}

func TestDrain_serialized(t *testing.T) {
	cache := newCache(t)
	queue(t, cache, "e1", "e2")
	replayer := &blockingReplayer{started: make(chan struct{}), release: make(chan struct{})}
	e := New(&fakePrimary{}, cache, replayer, &fakeMode{models.ModePrimary})

	first := make(chan *models.DrainReport)
	go func() { first <- e.Drain(context.Background()) }()
	<-replayer.started

	second := make(chan *models.DrainReport)
	go func() { second <- e.Drain(context.Background()) }()

	select {
	case <-second:
		t.Fatal("second drain ran concurrently")
	case <-time.After(50 * time.Millisecond):
	}

	close(replayer.release)
	r1 := <-first
	r2 := <-second
	assert.Equal(t, 2, r1.Synced)
	assert.Zero(t, r2.Attempted)
	assert.Equal(t, []string{"e1", "e2"}, replayer.replayed)

	// A waiting drain gives up with its context.
	e.drainSem <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	report := e.Drain(ctx)
	require.ErrorIs(t, report.Err, context.DeadlineExceeded)
	<-e.drainSem
}
