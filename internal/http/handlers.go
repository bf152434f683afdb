package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	rides    *ride.Service
	engine   *dispatch.Engine
	index    geo.Index
	producer *ingest.LocationProducer // nil when Kafka is not configured
	wsreg    *dispatch.WSRegistry
	mux      *mux.Router

	onlineMu sync.Mutex
	online   map[string]struct{}
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, rides *ride.Service, engine *dispatch.Engine, index geo.Index, producer *ingest.LocationProducer, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		rides:    rides,
		engine:   engine,
		index:    index,
		producer: producer,
		wsreg:    wsreg,
		mux:      mux.NewRouter(),
		online:   make(map[string]struct{}),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/status", s.handleStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestPayload struct {
	CustomerID    string               `json:"customer_id"`
	Pickup        models.Coord         `json:"pickup"`
	Dropoff       models.Coord         `json:"dropoff"`
	VehicleType   string               `json:"vehicle_type"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var p rideRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	created, err := s.rides.Request(r.Context(), ride.RequestInput{
		CustomerID:    p.CustomerID,
		Pickup:        p.Pickup,
		Dropoff:       p.Dropoff,
		VehicleType:   p.VehicleType,
		PaymentMethod: p.PaymentMethod,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// dispatch outlives the request; the customer polls or listens for
	// the acceptance event
	go func(rd *models.Ride) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.engine.Dispatch(ctx, rd); err != nil {
			s.logger.Info("dispatch unresolved", "ride_id", rd.ID, "reason", err)
		}
	}(created.Clone())

	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var p struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	rd, err := s.engine.Accept(r.Context(), mux.Vars(r)["id"], p.DriverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var p struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	if err := s.engine.Decline(mux.Vars(r)["id"], p.DriverID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id required")
		return
	}
	role := ride.Role(p.Role)
	if role == "" {
		role = ride.RoleCustomer
	}
	rideID := mux.Vars(r)["id"]
	rd, err := s.rides.Cancel(r.Context(), rideID, ride.Actor{ID: p.ActorID, Role: role}, p.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.engine.CancelOffers(rideID)
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Status  models.RideStatus `json:"status"`
		ActorID string            `json:"actor_id"`
		Role    string            `json:"role"`
		Version int64             `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id required")
		return
	}
	rd, err := s.rides.Transition(r.Context(), mux.Vars(r)["id"], p.Version, p.Status, ride.Actor{ID: p.ActorID, Role: ride.Role(p.Role)})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || !(models.Coord{Lat: lat, Lon: lon}).Valid() {
		writeError(w, http.StatusBadRequest, "lat/lon required and in range")
		return
	}
	radius := s.cfg.SearchRadiusMeters
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := s.cfg.CandidateLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cands, err := s.engine.FindCandidates(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "location index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	if !p.Loc.Valid() {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if p.Status == "" {
		p.Status = models.DriverAvailable
	}
	p.Updated = time.Now()

	if s.producer != nil {
		if err := s.producer.PublishPresence(p); err != nil {
			s.logger.Warn("presence publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if err := s.index.Upsert(r.Context(), p); err != nil {
		writeError(w, http.StatusServiceUnavailable, "location index unavailable")
		return
	}
	s.trackOnline(p.DriverID, p.Status)
	w.WriteHeader(http.StatusNoContent)
}

// trackOnline keeps the gauge at the number of distinct available drivers;
// repeated pings from the same driver must not move it.
func (s *Server) trackOnline(driverID string, status models.DriverStatus) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	_, online := s.online[driverID]
	switch {
	case status == models.DriverAvailable && !online:
		s.online[driverID] = struct{}{}
		observability.DriversOnline.Inc()
	case status != models.DriverAvailable && online:
		delete(s.online, driverID)
		observability.DriversOnline.Dec()
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsreg.Add(driverID, conn)
	go func() {
		defer s.wsreg.Remove(driverID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrRideNotFound):
		writeError(w, http.StatusNotFound, "ride not found")
	case errors.Is(err, dispatch.ErrNoActiveOffer):
		writeError(w, http.StatusNotFound, "no active offer")
	case errors.Is(err, dispatch.ErrOfferExpired):
		writeError(w, http.StatusGone, "offer expired")
	case errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, dispatch.ErrRideNoLongerAvailable):
		writeError(w, http.StatusConflict, "ride no longer available")
	case errors.Is(err, dispatch.ErrNoDriversAvailable),
		errors.Is(err, dispatch.ErrDispatchFailed),
		errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
