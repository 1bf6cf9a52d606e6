package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/state"
	"github.com/example/ride-dispatch/internal/storage"
)

// Server exposes the dispatch orchestrator over HTTP. Offer and assign
// endpoints live under /internal and are reachable only with the
// service-to-service token.
type Server struct {
	svc           *ride.Service
	wsReg         *notify.WSRegistry
	internalToken string
	logger        *slog.Logger
	mux           *mux.Router

	// Ready is consulted by the readiness endpoint; nil means always ready.
	Ready func(ctx context.Context) error
}

func NewServer(svc *ride.Service, wsReg *notify.WSRegistry, internalToken string, logger *slog.Logger) *Server {
	s := &Server{
		svc:           svc,
		wsReg:         wsReg,
		internalToken: internalToken,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/transitions", s.handleGetTransitions).Methods("GET")
	api.HandleFunc("/customers/{customer_id}/rides", s.handleCustomerRides).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/rides", s.handleDriverRides).Methods("GET")

	api.HandleFunc("/rides/{ride_id}/offer/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offer/reject", s.handleRejectOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/pickup", s.handleStartPickup).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalAuthMiddleware)
	internal.HandleFunc("/rides/{ride_id}/offer", s.handleOffer).Methods("POST")
	internal.HandleFunc("/rides/{ride_id}/assign", s.handleAssign).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in models.CreateRideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, err)
		return
	}
	if in.CustomerID == "" {
		badRequest(w, errors.New("customer_id required"))
		return
	}
	created, err := s.svc.CreateRide(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.svc.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request) {
	trs, err := s.svc.RideTransitions(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trs)
}

func (s *Server) handleCustomerRides(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rides, err := s.svc.CustomerRides(r.Context(), mux.Vars(r)["customer_id"], limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rides, err := s.svc.DriverRides(r.Context(), mux.Vars(r)["driver_id"], limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, rideID, driverID string) (*models.Ride, error)) {

	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.DriverID == "" {
		badRequest(w, errors.New("driver_id required"))
		return
	}
	updated, err := fn(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.DriverAcceptOffer)
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.DriverID == "" {
		badRequest(w, errors.New("driver_id required"))
		return
	}
	updated, err := s.svc.DriverRejectOffer(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.AcceptRide)
}

func (s *Server) handleStartPickup(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.StartPickup)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.StartRide)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.CompleteRide)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID   string           `json:"actor_id"`
		ActorType models.ActorType `json:"actor_type"`
		Reason    string           `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.ActorID == "" || req.ActorType == "" {
		badRequest(w, errors.New("actor_id and actor_type required"))
		return
	}
	updated, err := s.svc.CancelRide(r.Context(), mux.Vars(r)["ride_id"], req.ActorID, req.ActorType, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID   string `json:"driver_id"`
		TTLSeconds int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.DriverID == "" {
		badRequest(w, errors.New("driver_id required"))
		return
	}
	updated, err := s.svc.OfferRideToDriver(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.svc.AssignDriver)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsReg == nil {
		http.Error(w, "ws not enabled", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsReg.Add(id, conn)
}

// writeError maps domain errors onto status codes per the error taxonomy:
// not-found 404, conflicts 409, authorization 403, validation 400,
// everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ite *state.InvalidTransitionError
	switch {
	case errors.Is(err, ride.ErrRideNotFound):
		writeJSON(w, http.StatusNotFound, errBody(err))
	case errors.Is(err, ride.ErrActiveRideExists),
		errors.Is(err, ride.ErrAlreadyOffered),
		errors.Is(err, ride.ErrOfferNotValid),
		errors.Is(err, ride.ErrNotCancellable),
		errors.Is(err, storage.ErrStaleRide),
		errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.Is(err, ride.ErrUnauthorized), errors.Is(err, ride.ErrDriverNotAssigned):
		writeJSON(w, http.StatusForbidden, errBody(err))
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func errBody(err error) map[string]string { return map[string]string{"error": err.Error()} }

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
