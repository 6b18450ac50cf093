package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/delivery-dispatch/internal/directory"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/realtime"
	"github.com/example/delivery-dispatch/internal/storage"
)

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		badRequest(w, err)
		return
	}
	actor := actorFromContext(r.Context())
	o.CustomerID = orDefault(o.CustomerID, actor.ID)
	if err := s.svc.CreateOrder(r.Context(), &o); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &o)
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID  string `json:"orderId"`
		DriverID string `json:"driverId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID == "" {
		badRequest(w, errors.New("orderId is required"))
		return
	}
	del, err := s.svc.CreateAssignment(r.Context(), body.OrderID, body.DriverID, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, del)
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	orderID, err := s.svc.ResolveOrderID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.svc.AutoAssign(r.Context(), orderID)
	if errors.Is(err, matcher.ErrNoDriverAvailable) {
		// not fatal: the order stays awaiting assignment for a retry
		writeJSON(w, http.StatusOK, map[string]any{"assigned": false, "reason": "no_driver_available"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assigned": true, "order": o})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role != realtime.RoleDriver {
		s.writeError(w, orchestrator.ErrUnauthorized)
		return
	}
	o, err := s.svc.Claim(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type statusBody struct {
	Status   models.Status `json:"status"`
	Location *models.Coord `json:"location,omitempty"`
	Note     string        `json:"note,omitempty"`
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	s.advanceStatus(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := s.svc.ResolveOrderID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.advanceStatus(w, r, orderID)
}

func (s *Server) advanceStatus(w http.ResponseWriter, r *http.Request, orderID string) {
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		badRequest(w, errors.New("status is required"))
		return
	}
	actor := actorFromContext(r.Context())
	if body.Location != nil && actor.Role == realtime.RoleDriver {
		_ = s.svc.RecordLocation(r.Context(), actor.ID, *body.Location, time.Time{})
	}
	o, err := s.svc.AdvanceStatus(r.Context(), orderID, actor, body.Status, body.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeliveryLocation(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role != realtime.RoleDriver {
		s.writeError(w, orchestrator.ErrUnauthorized)
		return
	}
	var body struct {
		Coordinates [2]float64 `json:"coordinates"` // [lng, lat]
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, err)
		return
	}
	loc := models.Coord{Lat: body.Coordinates[1], Lng: body.Coordinates[0]}
	if err := s.svc.RecordLocation(r.Context(), actor.ID, loc, time.Time{}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role != realtime.RoleDriver {
		s.writeError(w, orchestrator.ErrUnauthorized)
		return
	}
	var ping models.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.svc.RecordLocation(r.Context(), actor.ID, ping.Loc, ping.At); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID, err := s.svc.ResolveOrderID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	o, err := s.svc.Cancel(r.Context(), orderID, actorFromContext(r.Context()), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	orderID, err := s.svc.ResolveOrderID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	minutes, err := s.svc.ETA(r.Context(), orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "eta_minutes": minutes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	del, err := s.svc.Delivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

func (s *Server) handleAvailableOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		badRequest(w, errors.New("lat and lng are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius"), 64)
	orders, err := s.svc.AvailableOrders(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var drv models.Driver
	if err := json.NewDecoder(r.Body).Decode(&drv); err != nil {
		badRequest(w, err)
		return
	}
	if actor.Role == realtime.RoleDriver {
		drv.ID = actor.ID
	} else if actor.Role != realtime.RoleAdmin {
		s.writeError(w, orchestrator.ErrUnauthorized)
		return
	}
	if drv.ID == "" {
		badRequest(w, errors.New("driver id is required"))
		return
	}
	s.svc.RegisterDriver(drv)
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP statuses with a stable
// reason code; only unexpected failures become 500s.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody("not_found", err))
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errBody("invalid_transition", err))
	case errors.Is(err, storage.ErrOrderNoLongerAvailable):
		writeJSON(w, http.StatusConflict, errBody("order_no_longer_available", err))
	case errors.Is(err, directory.ErrDriverUnavailable):
		writeJSON(w, http.StatusConflict, errBody("driver_unavailable", err))
	case errors.Is(err, matcher.ErrNoDriverAvailable):
		writeJSON(w, http.StatusOK, map[string]any{"assigned": false, "reason": "no_driver_available"})
	case errors.Is(err, orchestrator.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, errBody("unauthorized", err))
	default:
		s.logger.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal", errors.New("internal error")))
	}
}

func errBody(code string, err error) map[string]string {
	return map[string]string{"code": code, "error": err.Error()}
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errBody("bad_request", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
