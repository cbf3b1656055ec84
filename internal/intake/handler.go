package intake

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelmesh/orderflow/internal/store"
)

type createRequest struct {
	ClientID string          `json:"client_id"`
	Payload  json.RawMessage `json:"payload"`
}

type orderResponse struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	Status           string          `json:"status"`
	RetryCount       int             `json:"retry_count"`
	LastError        string          `json:"last_error,omitempty"`
	AssignedDriverID string          `json:"assigned_driver_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAt        int64           `json:"created_at"`
}

// Routes exposes the intake API: POST /orders and GET /orders/{id}.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/orders", s.handleCreate)
	r.Get("/orders/{id}", s.handleGet)
	return r
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := s.CreateOrder(r.Context(), req.ClientID, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(o))
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	o, err := s.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

func toResponse(o *store.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		ClientID:         o.ClientID,
		Status:           string(o.Status),
		RetryCount:       o.RetryCount,
		LastError:        o.LastError,
		AssignedDriverID: o.AssignedDriverID,
		Payload:          o.Payload,
		CreatedAt:        o.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
