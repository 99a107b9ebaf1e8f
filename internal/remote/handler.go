package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/sirupsen/logrus"
)

// maxRecordBytes bounds a request body.
const maxRecordBytes = 1 << 20

// Handler serves a Remote over HTTP for HTTPClient.
type Handler struct {
	backend Remote
	token   string
	log     *logrus.Entry
	mux     *http.ServeMux
}

// NewHandler returns a handler serving backend. Requests must carry token as
// a bearer credential when token is not empty.
func NewHandler(backend Remote, token string) *Handler {
	h := &Handler{
		backend: backend,
		token:   token,
		log:     logging.For("remote"),
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /v1/health", h.handleHealth)
	h.mux.HandleFunc("GET /v1/records/{kind}", h.handleList)
	h.mux.HandleFunc("POST /v1/records/{kind}", h.handleCreate)
	h.mux.HandleFunc("PUT /v1/records/{kind}/{id}", h.handleUpdate)
	h.mux.HandleFunc("DELETE /v1/records/{kind}/{id}", h.handleDelete)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		h.fail(w, "ping", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(r.PathValue("kind"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		if since, err = schema.ParseTime(s); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
	}

	recs, err := h.backend.ListSince(r.Context(), kind, since)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if recs == nil {
		recs = []schema.Record{}
	}
	respondWithJSON(w, http.StatusOK, listResponse{Records: recs})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.decode(w, r, "")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.backend.Create(r.Context(), rec); err != nil {
		h.fail(w, "create", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.decode(w, r, r.PathValue("id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.backend.Update(r.Context(), rec); err != nil {
		h.fail(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(r.PathValue("kind"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	q := r.URL.Query()
	lm, err := schema.ParseTime(q.Get("last_modified"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid last_modified: "+err.Error())
		return
	}

	rec := schema.Tombstone(kind, r.PathValue("id"), q.Get("user_id"), lm)
	if err := h.backend.Delete(r.Context(), rec); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a record from the body and checks it against the route.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, id string) (schema.Record, error) {
	kind, err := schema.ParseKind(r.PathValue("kind"))
	if err != nil {
		return schema.Record{}, err
	}

	var rec schema.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes)).Decode(&rec); err != nil {
		return schema.Record{}, fmt.Errorf("invalid record: %w", err)
	}
	if rec.Kind != kind {
		return schema.Record{}, fmt.Errorf("record kind %q does not match route %q", rec.Kind, kind)
	}
	if id != "" && rec.ID != id {
		return schema.Record{}, fmt.Errorf("record id %q does not match route %q", rec.ID, id)
	}
	if err := validate(rec); err != nil {
		return schema.Record{}, err
	}
	return rec, nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case IsUnavailable(err):
		h.log.WithField("op", op).WithError(err).Warn("backend unavailable")
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.WithField("op", op).WithError(err).Error("backend failed")
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
