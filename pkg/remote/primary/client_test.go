package primary

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var patients = models.TableSpec{Name: "patients", Columns: []string{"first_name", "phone"}}

func TestProbe(t *testing.T) {
	testcases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"unauthorized still reachable", http.StatusUnauthorized, false},
		{"not found still reachable", http.StatusNotFound, false},
		{"server error", http.StatusServiceUnavailable, true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rest/v1/", r.URL.Path)
				assert.Equal(t, "secret", r.Header.Get("apikey"))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := New(srv.URL, "secret").Probe(context.Background())
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			var ce *remote.ConnectivityError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, remote.FailureProtocol, ce.Kind)
		})
	}
}

func TestProbe_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := New(srv.URL, "", WithProbeTimeout(50*time.Millisecond)).Probe(context.Background())
	var ce *remote.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, remote.FailureTimeout, ce.Kind)
}

func TestProbe_refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := New(addr, "").Probe(context.Background())
	var ce *remote.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, remote.FailureRefused, ce.Kind)
	assert.True(t, remote.IsConnectivity(err))
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/patients", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "*", q.Get("select"))
		assert.Equal(t, "id.asc", q.Get("order"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "4", q.Get("offset"))
		_, _ = io.WriteString(w, `[{"id":"p-5","visits":12,"active":true},{"id":"p-6","meta":{"a":1}}]`)
	}))
	defer srv.Close()

	rows, err := New(srv.URL, "").List(context.Background(), patients, 2, 4)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p-5", rows[0]["id"])
	assert.Equal(t, json.Number("12"), rows[0]["visits"])
	assert.Equal(t, true, rows[0]["active"])
	assert.Equal(t, map[string]any{"a": json.Number("1")}, rows[1]["meta"])
}

func TestWrites(t *testing.T) {
	var gotMethod, gotFilter, gotPrefer string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotFilter = r.URL.Query().Get("id")
		gotPrefer = r.Header.Get("Prefer")
		gotBody = nil
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			assert.NoError(t, json.Unmarshal(b, &gotBody))
		}
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `[{"id":"p-1","first_name":"Ada"}]`)
		case http.MethodPatch:
			_, _ = io.WriteString(w, `[{"id":"p-1","first_name":"Ada","phone":"555"}]`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	c := New(srv.URL, "")

	rec, err := c.Create(ctx, patients, models.Record{"id": "p-1", "first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "return=representation", gotPrefer)
	assert.Equal(t, "Ada", gotBody["first_name"])
	assert.Equal(t, "Ada", rec["first_name"])

	rec, err = c.Update(ctx, patients, "p-1", models.NewPatch().Set("phone", "555"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "eq.p-1", gotFilter)
	assert.Equal(t, map[string]any{"phone": "555"}, gotBody)
	assert.Equal(t, "555", rec["phone"])

	require.NoError(t, c.Delete(ctx, patients, "p-1"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "eq.p-1", gotFilter)

	_, err = c.Update(ctx, patients, "p-1", models.NewPatch().Set("ssn", "x"))
	require.ErrorIs(t, err, constants.ErrUnknownField)
}

func TestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "eq.bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"message":"invalid date of birth"}`)
		case "eq.down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	c := New(srv.URL, "")

	_, err := c.Get(ctx, patients, "bad")
	var rejected *remote.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.Status)
	assert.Equal(t, "invalid date of birth", rejected.Message)
	assert.False(t, remote.IsConnectivity(err))

	_, err = c.Get(ctx, patients, "down")
	require.ErrorIs(t, err, constants.ErrRetryable)

	_, err = c.Get(ctx, patients, "missing")
	require.ErrorIs(t, err, constants.ErrNotFound)
}
