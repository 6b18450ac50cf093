package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/realtime"
)

// Server is the REST + websocket surface over the orchestrator.
type Server struct {
	svc       *orchestrator.Service
	hub       *realtime.Hub
	jwtSecret string
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(svc *orchestrator.Service, hub *realtime.Hub, jwtSecret string, logger *slog.Logger) *Server {
	s := &Server{svc: svc, hub: hub, jwtSecret: jwtSecret, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/available", s.handleAvailableOrders).Methods("GET")
	api.HandleFunc("/orders/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/orders/{id}/status", s.handleOrderStatus).Methods("PUT")

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods("PUT")

	api.HandleFunc("/deliveries", s.handleCreateAssignment).Methods("POST")
	api.HandleFunc("/deliveries/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/deliveries/{id}/auto-assign", s.handleAutoAssign).Methods("POST")
	api.HandleFunc("/deliveries/{id}/status", s.handleDeliveryStatus).Methods("PUT")
	api.HandleFunc("/deliveries/{id}/location", s.handleDeliveryLocation).Methods("PUT")
	api.HandleFunc("/deliveries/{id}/cancel", s.handleCancel).Methods("PUT")
	api.HandleFunc("/deliveries/{id}/eta", s.handleETA).Methods("GET")
	api.HandleFunc("/deliveries/{id}", s.handleGetDelivery).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
