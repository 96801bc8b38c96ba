// Package server exposes the reconciler's HTTP surface: record
// registration, reconciliation and completion triggers, and record
// inspection. Expected outcomes (busy, missing) map to status codes, not
// errors.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dealgrid/price_reconciler/internal/lease"
	"github.com/dealgrid/price_reconciler/internal/queue"
	"github.com/dealgrid/price_reconciler/internal/reconcile"
	"github.com/dealgrid/price_reconciler/internal/store"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

const maxBodyBytes = 1 << 20

// Server handles the reconciler's HTTP API
type Server struct {
	store      store.Store
	engine     *reconcile.Engine
	leases     *lease.Manager
	completion *queue.Queue
	triggers   *queue.Queue // async reconcile submissions, nil disables
	holderID   string
	healthPath string
	logger     *slog.Logger
}

// New creates the HTTP server component. holderID identifies this process
// in leases it acquires on behalf of API triggers.
func New(st store.Store, engine *reconcile.Engine, leases *lease.Manager, completion, triggers *queue.Queue, holderID, healthPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	return &Server{
		store:      st,
		engine:     engine,
		leases:     leases,
		completion: completion,
		triggers:   triggers,
		holderID:   holderID,
		healthPath: healthPath,
		logger:     log,
	}
}

// Handler returns the route mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records", s.handleRegister)
	mux.HandleFunc("GET /v1/records/{id}", s.handleGetRecord)
	mux.HandleFunc("POST /v1/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /v1/complete", s.handleComplete)
	mux.HandleFunc("GET "+s.healthPath, s.handleHealth)
	return mux
}

type registerRequest struct {
	CanonicalIdentifier string   `json:"canonical_identifier"`
	CanonicalName       string   `json:"canonical_name"`
	IdentifierVariants  []string `json:"identifier_variants"`
}

type registerResponse struct {
	RecordID string `json:"record_id"`
	Created  bool   `json:"created"`
}

// handleRegister creates the aggregate record for a canonical identifier,
// or reports the existing one. New records start temporary until a merge
// confirms them.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CanonicalIdentifier) == "" {
		s.writeError(w, http.StatusBadRequest, "canonical_identifier is required")
		return
	}

	recordID := utils.RecordID(req.CanonicalIdentifier)
	created := false
	err := s.store.RunInTx(r.Context(), func(tx store.Ops) error {
		created = false
		_, err := tx.GetRecord(r.Context(), recordID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := utils.NowUTC()
		name := req.CanonicalName
		if name == "" {
			name = req.CanonicalIdentifier
		}
		created = true
		return tx.PutRecord(r.Context(), &store.AggregateRecord{
			ID:                 recordID,
			CanonicalName:      name,
			IdentifierVariants: req.IdentifierVariants,
			Temporary:          true,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	})
	if err != nil {
		s.logger.Error("Record registration failed", "record_id", recordID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, registerResponse{RecordID: recordID, Created: created})
}

type recordResponse struct {
	Record       *store.AggregateRecord    `json:"record"`
	VendorLinks  []*store.VendorLink       `json:"vendor_links"`
	Observations []*store.PriceObservation `json:"observations"`
	Lease        *lease.Status             `json:"lease,omitempty"`
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := r.PathValue("id")

	rec, err := s.store.GetRecord(r.Context(), recordID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read failed")
		return
	}

	links, err := s.store.ListVendorLinks(r.Context(), recordID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	obs, err := s.store.ListObservations(r.Context(), recordID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read failed")
		return
	}

	resp := recordResponse{Record: rec, VendorLinks: links, Observations: obs}
	if status, err := s.leases.Status(r.Context(), recordID, lease.TypeReconcile); err == nil && status.Held {
		resp.Lease = status
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type reconcileRequest struct {
	RecordID string `json:"record_id"`
	Async    bool   `json:"async"`
}

// handleReconcile runs a reconciliation inline, or with async set hands
// the trigger to the queue workers and returns immediately.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecordID == "" {
		s.writeError(w, http.StatusBadRequest, "record_id is required")
		return
	}

	if req.Async {
		if s.triggers == nil {
			s.writeError(w, http.StatusNotImplemented, "async reconcile not enabled")
			return
		}
		s.enqueue(w, s.triggers, req.RecordID)
		return
	}

	holder := s.holderID + "-" + uuid.NewString()[:8]
	out := s.engine.Reconcile(r.Context(), req.RecordID, holder)

	status := http.StatusOK
	switch out.Status {
	case reconcile.StatusAborted:
		if strings.Contains(out.Message, "not found") {
			status = http.StatusNotFound
		} else {
			status = http.StatusConflict
		}
	case reconcile.StatusFailed:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, out)
}

type completeRequest struct {
	RecordID string `json:"record_id"`
}

type enqueueResponse struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecordID == "" {
		s.writeError(w, http.StatusBadRequest, "record_id is required")
		return
	}

	s.enqueue(w, s.completion, req.RecordID)
}

// enqueue submits recordID to q and writes the accepted message id, or the
// fail-fast saturation error
func (s *Server) enqueue(w http.ResponseWriter, q *queue.Queue, recordID string) {
	msgID, err := q.Enqueue(recordID)
	switch {
	case errors.Is(err, queue.ErrFull):
		s.writeError(w, http.StatusServiceUnavailable, "queue full")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "enqueue failed")
	default:
		s.writeJSON(w, http.StatusAccepted, enqueueResponse{MessageID: msgID})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
