package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fabric"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

// Server wires the dispatch engine behind a mux router. Authentication
// is an external collaborator: callers identify themselves through
// passenger_id / driver_id parameters already validated upstream.
type Server struct {
	Coord     *dispatch.Coordinator
	Matcher   *matcher.Service
	Store     store.RideStore
	Directory directory.Directory
	Hub       *fabric.Hub

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer builds the full engine from config with the same fallback
// ladder the rest of the system uses: Redis geo index or in-memory scan,
// Postgres or in-memory persistence, Kafka or direct location ingest.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
	}

	var rides store.RideStore
	var drivers directory.Directory
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rides = ps
		drivers = directory.NewPostgresDirectoryWithDB(ps.DB())
	} else {
		rides = store.NewMemoryStore()
		drivers = directory.NewMemoryDirectory()
	}

	var sink dispatch.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		sink = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		sink = &ingest.Direct{Index: index, Directory: drivers}
	}

	hub := fabric.NewHub(logger)
	m := matcher.NewService(index, drivers, logger)
	coord := &dispatch.Coordinator{
		Store:             rides,
		Matcher:           m,
		Bus:               hub,
		Locations:         sink,
		Logger:            logger,
		MatchRadiusMeters: cfg.MatchRadiusMeters,
	}
	s := &Server{
		Coord:     coord,
		Matcher:   m,
		Store:     rides,
		Directory: drivers,
		Hub:       hub,
		cfg:       cfg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods("GET")
	api.HandleFunc("/rides/nearby", s.handleNearbyRequests).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods("PUT")
	api.HandleFunc("/rides/{ride_id}/reject", s.handleRejectRide).Methods("PUT")
	api.HandleFunc("/rides/{ride_id}/status", s.handleUpdateStatus).Methods("PUT")
	api.HandleFunc("/drivers/online", s.handleOnlineDrivers).Methods("GET")
	api.HandleFunc("/drivers/status", s.handleDriverStatus).Methods("PUT")
	api.HandleFunc("/drivers/stats", s.handleDriverStats).Methods("GET")
	api.HandleFunc("/drivers/trips", s.handleDriverTrips).Methods("GET")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "passenger_id is required")
		return
	}
	ride, err := s.Coord.RequestRide(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	ride, err := s.Coord.AcceptRide(r.Context(), rideID, driverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := r.URL.Query().Get("driver_id")
	if err := s.Coord.RejectRide(r.Context(), rideID, driverID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"msg": "ride rejected"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.Coord.UpdateStatus(r.Context(), rideID, body.Status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}
	ride, err := s.Coord.ActiveRide(r.Context(), participantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// nil when there is no active ride; clients expect JSON null.
	writeJSON(w, ride)
}

func (s *Server) handleNearbyRequests(w http.ResponseWriter, r *http.Request) {
	lng, err1 := parseFloat(r.URL.Query().Get("longitude"))
	lat, err2 := parseFloat(r.URL.Query().Get("latitude"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "coordinates are required")
		return
	}
	rides, err := s.Coord.NearbyRequests(r.Context(), models.Coord{Lng: lng, Lat: lat})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, rides)
}

func (s *Server) handleOnlineDrivers(w http.ResponseWriter, r *http.Request) {
	lng, err1 := parseFloat(r.URL.Query().Get("lng"))
	lat, err2 := parseFloat(r.URL.Query().Get("lat"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "coordinates are required")
		return
	}
	radius := s.cfg.OnlineRadiusMeters
	if v := r.URL.Query().Get("radius"); v != "" {
		if f, err := parseFloat(v); err == nil && f > 0 {
			radius = f
		}
	}
	drivers, err := s.Matcher.FindOnline(r.Context(), models.Coord{Lng: lng, Lat: lat}, radius)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if drivers == nil {
		drivers = []models.Driver{}
	}
	writeJSON(w, drivers)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string        `json:"driver_id"`
		Online   *bool         `json:"online"`
		Location *models.Coord `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.DriverID == "" || body.Online == nil {
		writeError(w, http.StatusBadRequest, "driver_id and online are required")
		return
	}
	if body.Location != nil && !body.Location.Valid() {
		writeError(w, http.StatusBadRequest, models.ErrInvalidLocation.Error())
		return
	}
	if err := s.Directory.SetOnline(r.Context(), body.DriverID, *body.Online, body.Location); err != nil {
		s.writeDomainError(w, err)
		return
	}
	d, ok, err := s.Directory.Get(r.Context(), body.DriverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleDriverStats(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	stats, err := s.Store.DriverStats(r.Context(), driverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleDriverTrips(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	trips, err := s.Store.ListByDriver(r.Context(), driverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if trips == nil {
		trips = []*models.Ride{}
	}
	writeJSON(w, trips)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPush
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if err := s.Coord.DriverLocation(r.Context(), p); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps core errors onto status codes; anything
// unrecognized is an internal fault.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidLocation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrRideNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrRideNotAvailable), errors.Is(err, models.ErrRideAlreadyClaimed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseFloat(v, 64)
}
