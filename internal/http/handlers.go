package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

const identityHeader = "X-Identity"

var (
	errMissingIdentity = errors.New("missing identity")
	errBadRequest      = errors.New("bad request")
)

// Deps are the collaborators the HTTP surface routes into.
type Deps struct {
	Hub           *dispatch.Hub
	Matcher       *matcher.Service
	Trips         *trips.Service
	DefaultRadius float64
	DefaultLimit  int
	// Ready reports backend readiness; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	hub           *dispatch.Hub
	matcher       *matcher.Service
	trips         *trips.Service
	defaultRadius float64
	defaultLimit  int
	ready         func(ctx context.Context) error
	logger        *slog.Logger
	mux           *mux.Router
	upgrader      websocket.Upgrader
	validate      *validator.Validate
}

func NewServer(d Deps) *Server {
	s := &Server{
		hub:           d.Hub,
		matcher:       d.Matcher,
		trips:         d.Trips,
		defaultRadius: d.DefaultRadius,
		defaultLimit:  d.DefaultLimit,
		ready:         d.Ready,
		logger:        d.Logger,
		mux:           mux.NewRouter(),
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		validate:      validator.New(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/match", s.handleMatch).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/{action:accept|start|complete|cancel}", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/areas/{cell}/broadcast", s.handleAreaBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/broadcast", s.handleBroadcastAll).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func identity(r *http.Request) string {
	if id := r.Header.Get(identityHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("identity")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		s.writeError(w, errMissingIdentity)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warn("ws upgrade failed", "identity", id, "error", err)
		return
	}
	s.hub.ServeWebsocket(r.Context(), id, conn)
}

type createTripRequest struct {
	Pickup       models.Coord `json:"pickup"`
	VehicleClass string       `json:"vehicle_class"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		s.writeError(w, errMissingIdentity)
		return
	}
	var req createTripRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trip, err := s.trips.Request(r.Context(), id, req.Pickup, req.VehicleClass)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type matchRequest struct {
	RadiusKm *float64 `json:"radius_km"`
	Limit    *int     `json:"limit"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	radius, limit := s.defaultRadius, s.defaultLimit
	if req.RadiusKm != nil {
		radius = *req.RadiusKm
	}
	if req.Limit != nil {
		limit = *req.Limit
	}

	trip, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trip.Status != models.TripRequested {
		s.writeError(w, trips.ErrInvalidState)
		return
	}
	cands, err := s.matcher.RequestMatch(r.Context(), trip.ID, trip.Pickup, trip.VehicleClass, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": trip.ID, "candidates": cands})
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		s.writeError(w, errMissingIdentity)
		return
	}
	vars := mux.Vars(r)
	action, err := trips.ParseAction(vars["action"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req transitionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	trip, err := s.trips.Transition(r.Context(), trips.TransitionRequest{
		TripID:   vars["id"],
		Action:   action,
		Actor:    id,
		Reason:   req.Reason,
		SkipEcho: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.LocationReport
	if err := decode(r, &rep); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.hub.IngestLocation(r.Context(), rep); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type areaBroadcastRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleAreaBroadcast(w http.ResponseWriter, r *http.Request) {
	var req areaBroadcastRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = dispatch.EventAreaAlert
	}
	neighbors, _ := strconv.ParseBool(r.URL.Query().Get("neighbors"))
	cell := mux.Vars(r)["cell"]
	delivered, err := s.hub.Rooms.BroadcastToArea(cell, dispatch.NewEvent(req.Type, req.Data), neighbors)
	if err != nil {
		s.writeError(w, errors.Join(errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": cell, "neighbors": neighbors, "delivered": delivered})
}

func (s *Server) handleBroadcastAll(w http.ResponseWriter, r *http.Request) {
	var req areaBroadcastRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = dispatch.EventSystemNotice
	}
	delivered := s.hub.Registry.BroadcastAll(dispatch.NewEvent(req.Type, req.Data))
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

type nearbyQuery struct {
	Lat          float64 `validate:"latitude"`
	Lon          float64 `validate:"longitude"`
	RadiusKm     float64 `validate:"gte=0.1,lte=50"`
	VehicleClass string
	Limit        int `validate:"gte=1,lte=50"`
}

// parseNearbyQuery reads lat/lon (or latitude/longitude), radius_km,
// vehicle_class and limit.
func parseNearbyQuery(r *http.Request, defaultRadius float64, defaultLimit int) (nearbyQuery, error) {
	q := r.URL.Query()
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := q.Get(k); v != "" {
				return v
			}
		}
		return ""
	}
	out := nearbyQuery{RadiusKm: defaultRadius, Limit: defaultLimit, VehicleClass: first("vehicle_class", "vehicle_type")}
	if out.RadiusKm <= 0 {
		out.RadiusKm = 5
	}
	if out.Limit <= 0 {
		out.Limit = 10
	}

	var errs []error
	parseFloat := func(dst *float64, required bool, keys ...string) {
		v := first(keys...)
		if v == "" {
			if required {
				errs = append(errs, fmt.Errorf("%s is required", keys[0]))
			}
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", keys[0], err))
			return
		}
		*dst = f
	}
	parseFloat(&out.Lat, true, "lat", "latitude")
	parseFloat(&out.Lon, true, "lon", "longitude")
	parseFloat(&out.RadiusKm, false, "radius_km")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid limit: %w", err))
		}
		out.Limit = n
	}
	if len(errs) > 0 {
		return out, errors.Join(append(errs, errBadRequest)...)
	}
	return out, nil
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearbyQuery(r, s.defaultRadius, s.defaultLimit)
	if err == nil {
		if verr := s.validate.Struct(q); verr != nil {
			err = errors.Join(errBadRequest, verr)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	cands, err := s.matcher.FindCandidates(r.Context(), models.Coord{Lat: q.Lat, Lon: q.Lon}, q.VehicleClass, q.RadiusKm, q.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].DistanceKm < cands[j].DistanceKm })
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnectionStats())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, trips.ErrInvalidAction),
		errors.Is(err, trips.ErrInvalidTrip),
		errors.Is(err, matcher.ErrInvalidRadius),
		errors.Is(err, matcher.ErrInvalidLimit),
		errors.Is(err, dispatch.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, trips.ErrForbidden),
		errors.Is(err, trips.ErrDriverIneligible),
		errors.Is(err, dispatch.ErrNotDriver):
		return http.StatusForbidden
	case errors.Is(err, trips.ErrConflict),
		errors.Is(err, trips.ErrInvalidState),
		errors.Is(err, trips.ErrActiveTrip):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
