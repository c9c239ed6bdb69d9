package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
)

type fakeMode struct {
	mode         models.ConnectionMode
	hasSecondary bool
}

func (m *fakeMode) Mode() models.ConnectionMode { return m.mode }

func (m *fakeMode) ShouldUseSecondary() bool {
	return m.hasSecondary && m.mode == models.ModeSecondary
}

// fakeBackend keeps rows in memory. Setting err makes every call fail.
type fakeBackend struct {
	name string

	mu     sync.Mutex
	rows   map[string]models.Record
	err    error
	writes []string
}

var _ remote.Backend = (*fakeBackend)(nil)

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, rows: map[string]models.Record{}}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) unreachable() error {
	return &remote.ConnectivityError{Backend: b.name, Kind: remote.FailureRefused, Err: fmt.Errorf("connection refused")}
}

func (b *fakeBackend) Probe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBackend) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []models.Record
	for k, r := range b.rows {
		if len(k) > len(spec.Name) && k[:len(spec.Name)+1] == spec.Name+"/" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	r, ok := b.rows[spec.Name+"/"+id]
	if !ok {
		return nil, constants.ErrNotFound
	}
	return r, nil
}

func (b *fakeBackend) Create(ctx context.Context, spec models.TableSpec, rec models.Record) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	id, _ := rec.ID(spec.PK())
	b.rows[spec.Name+"/"+id] = copyRecord(rec)
	b.writes = append(b.writes, "create "+spec.Name+"/"+id)
	return copyRecord(rec), nil
}

func (b *fakeBackend) Update(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) (models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	r, ok := b.rows[spec.Name+"/"+id]
	if !ok {
		return nil, constants.ErrNotFound
	}
	for k, v := range patch.Record() {
		r[k] = v
	}
	b.writes = append(b.writes, "update "+spec.Name+"/"+id)
	return copyRecord(r), nil
}

func (b *fakeBackend) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.rows, spec.Name+"/"+id)
	b.writes = append(b.writes, "delete "+spec.Name+"/"+id)
	return nil
}

func (b *fakeBackend) writeLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.writes...)
}
