package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squarejellyfish/ntuber/internal/dispatch"
	"github.com/squarejellyfish/ntuber/internal/fare"
	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/location"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/session"
)

// Server exposes the local session over HTTP.
type Server struct {
	Engine *session.Engine
	Fares  *fare.Estimator
	Feed   *location.Feed
	Hub    *dispatch.Hub
	// Ready reports backend health for /healthz; nil means always healthy.
	Ready func(ctx context.Context) error
	// AllowedOrigins gates cross-origin browser access, including the
	// websocket upgrade. Defaults to DefaultAllowedOrigins.
	AllowedOrigins []string

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *session.Engine, fares *fare.Estimator, feed *location.Feed, hub *dispatch.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if fares == nil {
		fares = fare.New(fare.DefaultConfig())
	}
	s := &Server{
		Engine:         engine,
		Fares:          fares,
		Feed:           feed,
		Hub:            hub,
		AllowedOrigins: DefaultAllowedOrigins,
		logger:         logger.With("component", "http"),
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", s.handleSession).Methods("GET")
	api.HandleFunc("/role", s.handleRole).Methods("POST")
	api.HandleFunc("/draft", s.handleDraft).Methods("PUT")
	api.HandleFunc("/fare", s.handleFare).Methods("GET")
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/rating", s.handleEnterRating).Methods("POST")
	api.HandleFunc("/ride/start", s.action(s.Engine.StartRide)).Methods("POST")
	api.HandleFunc("/ride/complete", s.action(s.Engine.CompleteRide)).Methods("POST")
	api.HandleFunc("/rating", s.handleRate).Methods("POST")
	api.HandleFunc("/rating/skip", s.action(s.Engine.SkipRating)).Methods("POST")
	api.HandleFunc("/rating/exit", s.action(s.Engine.ExitRating)).Methods("POST")
	api.HandleFunc("/history/open", s.action(s.Engine.OpenHistory)).Methods("POST")
	api.HandleFunc("/history/close", s.action(s.Engine.CloseHistory)).Methods("POST")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/pool", s.handlePool).Methods("GET")
	api.HandleFunc("/position", s.handlePosition).Methods("POST")
	api.PathPrefix("/").Methods("OPTIONS").HandlerFunc(s.handlePreflight)

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/session", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}
	var txErr *ledger.TxError
	switch {
	case errors.Is(err, session.ErrNotAllowed), errors.Is(err, session.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, session.ErrLocationUnavailable):
		status = http.StatusPreconditionFailed
	case errors.As(err, &txErr):
		body.Reason = txErr.Reason
		switch {
		case errors.Is(err, ledger.ErrRejected):
			status = http.StatusForbidden
		case errors.Is(err, ledger.ErrReverted):
			status = http.StatusUnprocessableEntity
		default:
			status = http.StatusBadGateway
		}
	case errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func (s *Server) writeView(w http.ResponseWriter, r *http.Request) {
	v, err := s.Engine.View(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// action adapts a no-argument session action into a handler that answers
// with the resulting view.
func (s *Server) action(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeView(w, r)
	}
}

func rideID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) { s.writeView(w, r) }

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role models.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, err.Error())
		return
	}
	switched, err := s.Engine.SwitchRole(r.Context(), body.Role)
	if err != nil {
		if errors.Is(err, session.ErrStopped) || errors.Is(err, context.Canceled) {
			s.writeError(w, r, err)
			return
		}
		badRequest(w, err.Error())
		return
	}
	v, err := s.Engine.View(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"switched": switched, "session": v})
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var body session.Draft
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, err.Error())
		return
	}
	q, err := s.Engine.SetDraft(r.Context(), body.Pickup, body.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	from, ok1 := pointFromQuery(r, "from_lat", "from_lng")
	to, ok2 := pointFromQuery(r, "to_lat", "to_lng")
	if !ok1 || !ok2 {
		writeJSON(w, http.StatusOK, s.Fares.Default())
		return
	}
	writeJSON(w, http.StatusOK, s.Fares.Estimate(from, to))
}

func pointFromQuery(r *http.Request, latKey, lngKey string) (models.Point, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get(latKey), 64)
	lng, err2 := strconv.ParseFloat(q.Get(lngKey), 64)
	if err1 != nil || err2 != nil {
		return models.Point{}, false
	}
	return models.Point{Lat: lat, Lng: lng}, true
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.RequestRide(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(r)
	if !ok {
		badRequest(w, "invalid ride id")
		return
	}
	if err := s.Engine.AcceptRide(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r)
}

// handleCancel treats id 0 as the ride of interest.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(r)
	if !ok {
		badRequest(w, "invalid ride id")
		return
	}
	if err := s.Engine.CancelRide(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r)
}

func (s *Server) handleEnterRating(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(r)
	if !ok {
		badRequest(w, "invalid ride id")
		return
	}
	if err := s.Engine.EnterRating(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stars uint8 `json:"stars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.Engine.Rate(r.Context(), body.Stars); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rides := s.Engine.History()
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	var near *models.Point
	if p, ok := pointFromQuery(r, "lat", "lng"); ok {
		near = &p
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.Engine.OpenPool(r.Context(), near, limit))
}

// handlePosition accepts a geolocation reading from the client device.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "no device location feed"})
		return
	}
	var fix models.Fix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.Feed.Update(fix); err != nil {
		badRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "view stream disabled", http.StatusNotImplemented)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Hub.Add(context.WithoutCancel(r.Context()), conn)
}
