package clinicsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/realtime"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/clinicsync/clinicsync/pkg/store/sqlite"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory remote. While down every call fails with a
// connectivity error.
type memBackend struct {
	name string

	mu     sync.Mutex
	tables map[string]map[string]models.Record
	down   bool
	writes []string
}

var _ remote.Backend = (*memBackend)(nil)

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, tables: map[string]map[string]models.Record{}}
}

func (b *memBackend) Name() string { return b.name }

func (b *memBackend) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *memBackend) seed(table string, rows ...models.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		id, _ := r.ID("id")
		b.rowsOf(table)[id] = r
	}
}

func (b *memBackend) writeLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.writes...)
}

func (b *memBackend) rowsOf(table string) map[string]models.Record {
	rows, ok := b.tables[table]
	if !ok {
		rows = map[string]models.Record{}
		b.tables[table] = rows
	}
	return rows
}

func (b *memBackend) check() error {
	if b.down {
		return &remote.ConnectivityError{Backend: b.name, Kind: remote.FailureRefused, Err: errors.New("connection refused")}
	}
	return nil
}

func (b *memBackend) Probe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check()
}

func (b *memBackend) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	rows := b.rowsOf(spec.Name)
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []models.Record
	for i := offset; i < len(ids) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, clone(rows[ids[i]]))
	}
	return out, nil
}

func (b *memBackend) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	r, ok := b.rowsOf(spec.Name)[id]
	if !ok {
		return nil, constants.ErrNotFound
	}
	return clone(r), nil
}

func (b *memBackend) Create(ctx context.Context, spec models.TableSpec, rec models.Record) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	id, _ := rec.ID(spec.PK())
	b.rowsOf(spec.Name)[id] = clone(rec)
	b.writes = append(b.writes, "create "+spec.Name+"/"+id)
	return clone(rec), nil
}

func (b *memBackend) Update(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	r, ok := b.rowsOf(spec.Name)[id]
	if !ok {
		return nil, constants.ErrNotFound
	}
	for k, v := range patch.Record() {
		r[k] = v
	}
	b.writes = append(b.writes, "update "+spec.Name+"/"+id)
	return clone(r), nil
}

func (b *memBackend) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	delete(b.rowsOf(spec.Name), id)
	b.writes = append(b.writes, "delete "+spec.Name+"/"+id)
	return nil
}

func clone(r models.Record) models.Record {
	out := make(models.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// feedListener hands out notifications pushed on feed.
type feedListener struct {
	feed chan [2]string
}

func (l *feedListener) Listen(ctx context.Context, channel string) error { return nil }

func (l *feedListener) WaitForNotification(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case n := <-l.feed:
		return n[0], []byte(n[1]), nil
	}
}

func (l *feedListener) Close(ctx context.Context) error { return nil }

var testTables = []models.TableSpec{
	{Name: "patients", Columns: []string{"name", "active"}},
	{Name: "staff"},
	{Name: "appointments", DependsOn: []string{"patients", "staff"}},
}

func testConfig() *Config {
	config := DefaultConfig()
	config.Primary.URL = "http://primary.invalid"
	config.Tables = testTables
	config.CachePath = sqlite.MemoryPath
	config.ProbeInterval = Duration(20 * time.Millisecond)
	return config
}

// newTestApp assembles an App on an in-memory cache. When feed is non-nil a
// secondary backend and a change feed are configured too.
func newTestApp(t *testing.T, primary, secondary *memBackend, feed chan [2]string) *App {
	t.Helper()
	cache, err := sqlite.Open(sqlite.MemoryPath, nil)
	require.NoError(t, err)

	b := backends{primary: primary}
	if secondary != nil {
		b.secondary = secondary
		b.secondaryAddress = "10.0.0.5:5432"
		b.dial = func(ctx context.Context) (realtime.Listener, error) {
			return &feedListener{feed: feed}, nil
		}
	}
	app := assemble(testConfig(), nil, cache, b)
	t.Cleanup(func() { _ = app.Close() })
	require.NoError(t, app.Migrate(context.Background()))
	return app
}
