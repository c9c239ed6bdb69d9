// Package remote defines the contract shared by the two remote backends: the
// cloud REST backend (Primary) and the on-premises PostgreSQL backend
// (Secondary).
package remote

import (
	"context"

	"github.com/clinicsync/clinicsync/pkg/models"
)

// Prober checks whether a backend is reachable. Implementations bound the
// check with their own timeout.
type Prober interface {
	Probe(ctx context.Context) error
}

// Reader reads rows from a backend.
type Reader interface {
	// List returns one page ordered by primary key.
	List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error)
	// Get returns one row, or constants.ErrNotFound.
	Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error)
}

// Writer writes rows to a backend and returns the row as stored remotely.
type Writer interface {
	Create(ctx context.Context, spec models.TableSpec, rec models.Record) (models.Record, error)
	Update(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) (models.Record, error)
	Delete(ctx context.Context, spec models.TableSpec, id string) error
}

// Backend is a remote data store.
type Backend interface {
	Prober
	Reader
	Writer
	// Name identifies the backend in logs and errors.
	Name() string
}
