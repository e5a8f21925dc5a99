package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetrelay/crypto"
	"fleetrelay/relay"
)

const maxBodyBytes = 1 << 20

// Server exposes the relay's submission and query surface over HTTP.
type Server struct {
	svc  *relay.Service
	log  *slog.Logger
	http *http.Server
}

// NewServer builds the HTTP server on the given listen address.
func NewServer(addr string, svc *relay.Service, log *slog.Logger) *Server {
	s := &Server{svc: svc, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reveal", s.handleReveal)
		r.Post("/fee-schedule", s.handleFeeSchedule)
		r.Post("/delegate", s.handleDelegate)
		r.Post("/withdrawal", s.handleWithdrawal)
		r.Get("/account/{address}", s.handleAccount)
		r.Get("/queue", s.handleQueue)
		r.Get("/pending", s.handlePending)
	})
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var sub relay.RevealSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	key, err := s.svc.SubmitReveal(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"queueKey": key})
}

func (s *Server) handleFeeSchedule(w http.ResponseWriter, r *http.Request) {
	var sub relay.FeeScheduleSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	if err := s.svc.SetFeeSchedule(r.Context(), sub); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var sub relay.RegistrationSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	if err := s.svc.RegisterDelegate(r.Context(), sub); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var sub relay.WithdrawalSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	auth, err := s.svc.RequestWithdrawal(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody(relay.CodeMalformedRequest, err.Error()))
		return
	}
	status, err := s.svc.AccountStatus(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.QueueEntries(queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.PendingEntries(queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody(relay.CodeMalformedRequest, err.Error()))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if reqErr, ok := relay.AsRequestError(err); ok {
		s.writeJSON(w, statusFor(reqErr.Code), errorBody(reqErr.Code, reqErr.Message))
		return
	}
	s.log.Error("request failed", "err", err)
	s.writeJSON(w, http.StatusInternalServerError, errorBody("InternalError", "internal error"))
}

func statusFor(code string) int {
	switch code {
	case relay.CodeMalformedRequest:
		return http.StatusBadRequest
	case relay.CodeUnauthorized, relay.CodeDelegateMismatch, relay.CodeNoDelegateRegistered:
		return http.StatusUnauthorized
	case relay.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case relay.CodeNotRegistered:
		return http.StatusNotFound
	case relay.CodeStaleOrFutureNonce, relay.CodeConflictingDuplicate, relay.CodeAlreadyPending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("write response", "err", err)
	}
}
