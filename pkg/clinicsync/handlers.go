package clinicsync

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clinicsync/clinicsync/internal/metrics"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Router serves the local API used by the desktop UI.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/status", a.handleStatus).Methods("GET")
	api.HandleFunc("/sync", a.handleSync).Methods("POST")
	api.HandleFunc("/outbox/drain", a.handleDrain).Methods("POST")
	api.HandleFunc("/outbox/stats", a.handleOutboxStats).Methods("GET")

	api.HandleFunc("/records/{table}", a.handleListRecords).Methods("GET")
	api.HandleFunc("/records/{table}", a.handleCreateRecord).Methods("POST")
	api.HandleFunc("/records/{table}/{id}", a.handleGetRecord).Methods("GET")
	api.HandleFunc("/records/{table}/{id}", a.handleUpdateRecord).Methods("PUT")
	api.HandleFunc("/records/{table}/{id}", a.handleDeleteRecord).Methods("DELETE")

	api.HandleFunc("/events", a.handleEvents).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	return router
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps err to a status code.
func respondFailure(w http.ResponseWriter, err error) {
	var rejected *remote.RejectedError
	switch {
	case errors.Is(err, constants.ErrUnknownTable), errors.Is(err, constants.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, constants.ErrUnknownField), errors.Is(err, constants.ErrEmptyPatch),
		errors.Is(err, constants.ErrInvalidName), errors.Is(err, constants.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejected):
		status := rejected.Status
		if status < 400 || status > 499 {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, err.Error())
	case errors.Is(err, constants.ErrOffline):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeRecord(r *http.Request) (models.Record, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.UseNumber()
	var rec models.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("body must be a JSON object")
	}
	return rec, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"mode":   a.conn.Mode(),
		"time":   time.Now().Unix(),
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Status(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	report := a.Sync(r.Context())
	status := http.StatusOK
	if !report.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, report)
}

func (a *App) handleDrain(w http.ResponseWriter, r *http.Request) {
	report := a.Drain(r.Context())
	status := http.StatusOK
	switch {
	case errors.Is(report.Err, constants.ErrOffline):
		status = http.StatusServiceUnavailable
	case report.Err != nil:
		status = http.StatusBadGateway
	}
	respondJSON(w, status, report)
}

func (a *App) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.cache.OutboxStats(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (a *App) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, source, err := a.gateway.List(r.Context(), mux.Vars(r)["table"], limit, offset)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records, "source": source})
}

func (a *App) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, source, err := a.gateway.Get(r.Context(), vars["table"], vars["id"])
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"record": record, "source": source})
}

func (a *App) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	result, err := a.gateway.Create(r.Context(), mux.Vars(r)["table"], rec)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (a *App) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := decodeRecord(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	spec, err := a.gateway.Table(vars["table"])
	if err != nil {
		respondFailure(w, err)
		return
	}
	// The path names the row; a matching key in the body is not a change.
	if id, ok := rec.ID(spec.PK()); ok && id == vars["id"] {
		delete(rec, spec.PK())
	}
	result, err := a.gateway.Update(r.Context(), spec.Name, vars["id"], models.PatchFromRecord(rec, spec.Columns...))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *App) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := a.gateway.Delete(r.Context(), vars["table"], vars["id"])
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
