package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/directory"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/realtime"
	"github.com/example/delivery-dispatch/internal/storage"
)

// ErrUnauthorized means the actor is not the assigned driver, owning
// store or customer (or an admin) for the entity; no mutation happens.
var ErrUnauthorized = errors.New("actor not authorized for this entity")

// Actor identifies who is asking, resolved at session establishment.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) isAdmin() bool { return a.Role == realtime.RoleAdmin }

// Publisher is the realtime fan-out; *realtime.Hub satisfies it.
type Publisher interface {
	Publish(topic string, ev models.Event)
}

// EventSink receives committed domain events; *events.Producer
// satisfies it. May be nil.
type EventSink interface {
	Emit(key string, ev models.Event) error
}

// LocationStream feeds driver pings to the location pipeline;
// *events.Producer satisfies it. May be nil.
type LocationStream interface {
	PublishLocation(ping models.LocationPing) error
}

type Config struct {
	RadiusKm          float64 // candidate bounding circle around the store
	MaxAssignAttempts int     // bound on auto-assign next-best retries
	SpeedKmh          float64 // assumed average speed for ETA
	BaseFee           float64
	PerKmFee          float64
	Currency          string
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:          10,
		MaxAssignAttempts: 3,
		SpeedKmh:          25,
		BaseFee:           2,
		PerKmFee:          0.5,
		Currency:          "usd",
	}
}

// Service coordinates order status, driver claim and the delivery
// record, and keeps the three consistent. State commits first; fan-out
// and event emission follow and never fail the operation.
type Service struct {
	store     storage.Store
	dir       *directory.Directory
	hub       Publisher
	sink      EventSink          // optional
	locations LocationStream     // optional
	payments  payments.Processor // optional
	logger    *slog.Logger
	cfg       Config

	mu    sync.Mutex
	locks map[string]*orderLock // per-order serialization
	holds map[string]string     // orderID -> payment intent id
	now   func() time.Time
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func New(store storage.Store, dir *directory.Directory, hub Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAssignAttempts <= 0 {
		cfg.MaxAssignAttempts = 3
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 10
	}
	return &Service{
		store:  store,
		dir:    dir,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*orderLock),
		holds:  make(map[string]string),
		now:    time.Now,
	}
}

// WithEventSink wires the kafka emitter for committed domain events.
func (s *Service) WithEventSink(sink EventSink) *Service { s.sink = sink; return s }

// WithLocationStream wires the driver-location pipeline producer.
func (s *Service) WithLocationStream(ls LocationStream) *Service { s.locations = ls; return s }

// WithPayments wires the payment collaborator.
func (s *Service) WithPayments(p payments.Processor) *Service { s.payments = p; return s }

// lockOrder serializes status work per order; distinct orders proceed
// fully in parallel. Entries are refcounted and dropped once the last
// holder or waiter releases, so the map stays bounded by the number of
// in-flight operations.
func (s *Service) lockOrder(orderID string) func() {
	s.mu.Lock()
	l, ok := s.locks[orderID]
	if !ok {
		l = &orderLock{}
		s.locks[orderID] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, orderID)
		}
		s.mu.Unlock()
	}
}

// CreateOrder registers a new pending order with its item snapshot.
func (s *Service) CreateOrder(ctx context.Context, o *models.Order) error {
	now := s.now()
	if o.ID == "" {
		o.ID = models.NewID()
	}
	if o.Number == "" {
		o.Number = o.ID[:8]
	}
	o.Status = models.StatusPending
	o.CreatedAt = now
	o.Timeline = []models.TimelineEntry{{Status: models.StatusPending, At: now, Label: lifecycle.Label(models.StatusPending)}}
	return s.store.CreateOrder(ctx, o)
}

// CreateAssignment is the store-side "this order is ready" call: the
// order moves to confirmed, the delivery record is created, and the
// work is offered to drivers. If driverID is set the claim runs
// immediately on that driver.
func (s *Service) CreateAssignment(ctx context.Context, orderID, driverID string, actor Actor) (*models.Delivery, error) {
	unlock := s.lockOrder(orderID)
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !actor.isAdmin() && !(actor.Role == realtime.RoleStore && actor.ID == o.StoreID) {
		unlock()
		return nil, ErrUnauthorized
	}

	now := s.now()
	if o.Status == models.StatusPending {
		if err := lifecycle.Advance(o, models.StatusConfirmed, now); err != nil {
			unlock()
			return nil, err
		}
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			unlock()
			return nil, err
		}
		observability.StatusTransitions.WithLabelValues(string(models.StatusConfirmed)).Inc()
	} else if o.Status != models.StatusConfirmed {
		unlock()
		return nil, fmt.Errorf("%w: %s -> %s", lifecycle.ErrInvalidTransition, o.Status, models.StatusConfirmed)
	}

	del, err := s.store.GetDeliveryByOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		del = &models.Delivery{
			ID:                  models.NewID(),
			OrderID:             o.ID,
			StoreID:             o.StoreID,
			CustomerID:          o.CustomerID,
			PickupLocation:      models.Address{Coord: o.StoreLoc},
			DestinationLocation: o.Address,
			Status:              models.DeliveryStatus(o.Status),
			DeliveryCost:        s.fee(o),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.store.CreateDelivery(ctx, del); err != nil {
			unlock()
			return nil, err
		}
	} else if err != nil {
		unlock()
		return nil, err
	}
	unlock()

	s.offerToDrivers(o)

	if driverID != "" {
		if _, err := s.Claim(ctx, orderID, driverID); err != nil {
			return nil, err
		}
		return s.store.GetDeliveryByOrder(ctx, orderID)
	}
	return del, nil
}

// offerToDrivers announces an unclaimed order on the shared topic and
// to each qualifying nearby driver individually. Duplicate delivery is
// intentional: redundancy over a lossy transport.
func (s *Service) offerToDrivers(o *models.Order) {
	ev := s.event(models.EventNewOrderAvailable, map[string]any{"order_id": o.ID, "order": o.Clone()})
	s.hub.Publish(realtime.TopicAvailableDrivers, ev)
	for _, drv := range s.dir.NearbyAvailable(o.StoreLoc, s.cfg.RadiusKm, 0) {
		s.hub.Publish(realtime.TopicDriver(drv.ID), ev)
	}
	s.emit(o.ID, ev)
}

// Claim makes driverID the exclusive assignee of the order. The driver
// is reserved first, then the store performs the conditional claim;
// losing the order race rolls the reservation back, so availability
// symmetry holds on every path. Exactly one concurrent claim wins.
func (s *Service) Claim(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	del, err := s.store.GetDeliveryByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.dir.Reserve(driverID, del.ID); err != nil {
		return nil, err
	}

	now := s.now()
	o, err := s.store.Claim(ctx, orderID, driverID, now)
	if err != nil {
		if rbErr := s.dir.Release(driverID, false, 0); rbErr != nil {
			s.logger.Error("reservation rollback failed", "driver", driverID, "error", rbErr)
		}
		if errors.Is(err, storage.ErrOrderNoLongerAvailable) {
			observability.ClaimConflicts.Inc()
		}
		return nil, err
	}

	del.DriverID = driverID
	del.Status = models.DeliveryStatus(models.StatusAccepted)
	del.UpdatedAt = now
	if err := s.store.UpdateDelivery(ctx, del); err != nil {
		s.logger.Error("delivery record update failed after claim", "order", orderID, "error", err)
	}

	s.holdPayment(ctx, o, del)
	observability.AssignmentsTotal.Inc()
	observability.StatusTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()

	ev := s.event(models.EventOrderAccepted, map[string]any{
		"order_id": o.ID, "driver_id": driverID, "order": o.Clone(),
	})
	s.fanOut(o, ev)
	s.emit(o.ID, ev)
	return o, nil
}

// AutoAssign asks the matching engine for the best candidate and
// claims it, falling back to the next best for a bounded number of
// attempts when a driver slips away between scoring and claim.
// ErrNoDriverAvailable leaves the order awaiting assignment.
func (s *Service) AutoAssign(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.DriverID != "" {
		return nil, storage.ErrOrderNoLongerAvailable
	}

	cands := matcher.Rank(o.StoreLoc, s.dir.Available(), s.cfg.RadiusKm)
	if len(cands) == 0 {
		observability.NoDriverTotal.Inc()
		return nil, matcher.ErrNoDriverAvailable
	}
	attempts := s.cfg.MaxAssignAttempts
	if attempts > len(cands) {
		attempts = len(cands)
	}
	for i := 0; i < attempts; i++ {
		claimed, err := s.Claim(ctx, orderID, cands[i].Driver.ID)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, directory.ErrDriverUnavailable) || errors.Is(err, directory.ErrNotFound) {
			continue // next best candidate
		}
		return nil, err
	}
	observability.NoDriverTotal.Inc()
	return nil, matcher.ErrNoDriverAvailable
}

// AdvanceStatus applies a driver/store progress report. Duplicate
// requests for the current status are no-ops. Terminal states release
// the driver and settle counters exactly once.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, actor Actor, to models.Status, note string) (*models.Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAdvance(o, actor, to); err != nil {
		return nil, err
	}
	if o.Status == to {
		return o, nil // idempotent re-application
	}
	if err := lifecycle.Advance(o, to, s.now()); err != nil {
		return nil, err
	}
	released := o.DriverID
	if to == models.StatusCancelled {
		o.DriverID = "" // cleared only on cancellation before pickup
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	observability.StatusTransitions.WithLabelValues(string(to)).Inc()

	s.mirrorDelivery(ctx, o)
	if lifecycle.IsTerminal(to) {
		s.settle(ctx, o, released)
	}
	ev := s.event(models.EventOrderUpdate, map[string]any{
		"order_id": o.ID, "status": o.Status, "order": o.Clone(),
	})
	s.fanOut(o, ev)
	if to == models.StatusCancelled && released != "" {
		s.hub.Publish(realtime.TopicDriver(released), ev)
	}
	s.emit(o.ID, ev)
	if note != "" {
		s.hub.Publish(realtime.TopicUser(o.CustomerID),
			s.event(models.EventNotification, map[string]any{"order_id": o.ID, "message": note}))
	}
	return o, nil
}

// Cancel ends the order before pickup. The driver, if already
// assigned, is released and the order's driver reference cleared.
func (s *Service) Cancel(ctx context.Context, orderID string, actor Actor, reason string) (*models.Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.isAdmin() &&
		!(actor.Role == realtime.RoleStore && actor.ID == o.StoreID) &&
		!(actor.Role == realtime.RoleCustomer && actor.ID == o.CustomerID) {
		return nil, ErrUnauthorized
	}
	if o.Status == models.StatusCancelled {
		return o, nil
	}
	if err := lifecycle.Advance(o, models.StatusCancelled, s.now()); err != nil {
		return nil, err
	}
	released := o.DriverID
	o.DriverID = "" // cleared only on cancellation before pickup
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	observability.StatusTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()

	if released != "" {
		if err := s.dir.Release(released, false, 0); err != nil {
			s.logger.Error("driver release failed on cancel", "driver", released, "error", err)
		}
	}
	s.mirrorDelivery(ctx, o)
	s.cancelHold(ctx, o.ID)

	ev := s.event(models.EventOrderUpdate, map[string]any{
		"order_id": o.ID, "status": o.Status, "reason": reason, "order": o.Clone(),
	})
	s.fanOut(o, ev)
	if released != "" {
		s.hub.Publish(realtime.TopicDriver(released), ev)
	}
	s.emit(o.ID, ev)
	return o, nil
}

// RecordLocation is the driver location push: last write wins in the
// directory, a breadcrumb lands on the active delivery, and the order
// and driver topics see the update. Fire and forget.
func (s *Service) RecordLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	applied, err := s.dir.UpdateLocation(driverID, loc, at)
	if err != nil {
		return err
	}
	if !applied {
		return nil // stale ping, most recent timestamp wins
	}
	drv, err := s.dir.Get(driverID)
	if err != nil {
		return err
	}
	if s.locations != nil {
		ping := models.LocationPing{DriverID: driverID, Loc: loc, At: at}
		if err := s.locations.PublishLocation(ping); err != nil {
			s.logger.Warn("location publish failed", "driver", driverID, "error", err)
		}
	}
	if drv.CurrentDelivery == "" {
		return nil
	}
	del, err := s.store.GetDelivery(ctx, drv.CurrentDelivery)
	if err != nil {
		return nil // record may lag the reservation; ping is best effort
	}
	if err := s.store.AppendBreadcrumb(ctx, del.ID, models.Breadcrumb{Coord: loc, At: at}); err != nil {
		s.logger.Warn("breadcrumb append failed", "delivery", del.ID, "error", err)
	}
	ev := s.event(models.EventLocationUpdate, map[string]any{
		"order_id": del.OrderID, "driver_id": driverID, "loc": loc,
	})
	s.hub.Publish(realtime.TopicOrder(del.OrderID), ev)
	s.hub.Publish(realtime.TopicDriver(driverID),
		s.event(models.EventDriverLocationUpdate, map[string]any{"driver_id": driverID, "loc": loc}))
	return nil
}

// ETA estimates minutes until drop-off. With a driver assigned the
// route is driver -> store -> customer, recomputed on demand.
func (s *Service) ETA(ctx context.Context, orderID string) (int, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	dist := geo.Haversine(o.StoreLoc, o.Address.Coord)
	if o.DriverID != "" {
		if drv, err := s.dir.Get(o.DriverID); err == nil {
			dist = geo.RouteDistance(drv.Loc, o.StoreLoc, o.Address.Coord)
		}
	}
	return geo.ETAMinutes(dist, s.cfg.SpeedKmh), nil
}

// Stats is the read-only operational snapshot.
type Stats struct {
	AvailableDrivers   int `json:"available_drivers"`
	AwaitingAssignment int `json:"awaiting_assignment"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	awaiting, err := s.store.AwaitingAssignment(ctx)
	if err != nil {
		return Stats{}, err
	}
	avail := s.dir.Available()
	observability.DriversAvailable.Set(float64(len(avail)))
	return Stats{AvailableDrivers: len(avail), AwaitingAssignment: len(awaiting)}, nil
}

// AvailableOrders lists unclaimed confirmed orders whose store is
// within radiusKm of the driver.
func (s *Service) AvailableOrders(ctx context.Context, near models.Coord, radiusKm float64) ([]*models.Order, error) {
	if radiusKm <= 0 {
		radiusKm = s.cfg.RadiusKm
	}
	orders, err := s.store.AwaitingAssignment(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		if geo.Within(near, o.StoreLoc, radiusKm) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Order fetches an order snapshot.
func (s *Service) Order(ctx context.Context, id string) (*models.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// Delivery fetches a record by its own id, falling back to the order
// id; the REST surface accepts either.
func (s *Service) Delivery(ctx context.Context, id string) (*models.Delivery, error) {
	del, err := s.store.GetDelivery(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.GetDeliveryByOrder(ctx, id)
	}
	return del, err
}

// ResolveOrderID maps a delivery-or-order id to the order id.
func (s *Service) ResolveOrderID(ctx context.Context, id string) (string, error) {
	if del, err := s.store.GetDelivery(ctx, id); err == nil {
		return del.OrderID, nil
	}
	if _, err := s.store.GetOrder(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// RegisterDriver adds or refreshes a driver profile. Re-registering
// never resets availability or stats for a driver mid-delivery.
func (s *Service) RegisterDriver(drv models.Driver) {
	if existing, err := s.dir.Get(drv.ID); err == nil {
		drv.IsAvailable = existing.IsAvailable
		drv.CurrentDelivery = existing.CurrentDelivery
		drv.Rating = existing.Rating
		drv.RatingCount = existing.RatingCount
		drv.TotalDeliveries = existing.TotalDeliveries
		drv.TotalEarnings = existing.TotalEarnings
	} else {
		drv.IsAvailable = true
		drv.CurrentDelivery = ""
	}
	if drv.LastLocationAt.IsZero() {
		drv.LastLocationAt = s.now()
	}
	s.dir.Upsert(drv)
}

// SweepAwaiting retries auto-assign for every awaiting order; the
// scheduled jobs runner calls this. NoDriverAvailable is not an error
// here, the order simply waits for the next sweep.
func (s *Service) SweepAwaiting(ctx context.Context) {
	orders, err := s.store.AwaitingAssignment(ctx)
	if err != nil {
		s.logger.Error("sweep list failed", "error", err)
		return
	}
	for _, o := range orders {
		if _, err := s.AutoAssign(ctx, o.ID); err != nil &&
			!errors.Is(err, matcher.ErrNoDriverAvailable) &&
			!errors.Is(err, storage.ErrOrderNoLongerAvailable) {
			s.logger.Error("sweep auto-assign failed", "order", o.ID, "error", err)
		}
	}
}

func authorizeAdvance(o *models.Order, actor Actor, to models.Status) error {
	if actor.isAdmin() {
		return nil
	}
	switch to {
	case models.StatusPickedUp, models.StatusOnWay, models.StatusDelivered, models.StatusFailed:
		if actor.Role == realtime.RoleDriver && actor.ID == o.DriverID {
			return nil
		}
	case models.StatusConfirmed:
		if actor.Role == realtime.RoleStore && actor.ID == o.StoreID {
			return nil
		}
	}
	return ErrUnauthorized
}

// mirrorDelivery keeps the record in lock-step with the order; the
// record is presentation, the order is the source of truth.
func (s *Service) mirrorDelivery(ctx context.Context, o *models.Order) {
	del, err := s.store.GetDeliveryByOrder(ctx, o.ID)
	if err != nil {
		return
	}
	now := s.now()
	del.Status = models.DeliveryStatus(o.Status)
	del.DriverID = o.DriverID
	del.UpdatedAt = now
	if o.Status == models.StatusDelivered {
		del.TotalDeliveryTime = int(now.Sub(del.CreatedAt).Minutes())
	}
	if err := s.store.UpdateDelivery(ctx, del); err != nil {
		s.logger.Error("delivery mirror failed", "order", o.ID, "error", err)
	}
}

// settle runs the exactly-once terminal bookkeeping: driver release,
// cumulative counters, payment capture or release. driverID is the
// driver that held the order when it went terminal; on cancellation
// the order itself no longer references them.
func (s *Service) settle(ctx context.Context, o *models.Order, driverID string) {
	if driverID == "" {
		return
	}
	delivered := o.Status == models.StatusDelivered
	var earnings float64
	if delivered {
		if del, err := s.store.GetDeliveryByOrder(ctx, o.ID); err == nil {
			earnings = del.DeliveryCost
		}
	}
	if err := s.dir.Release(driverID, delivered, earnings); err != nil {
		s.logger.Error("driver release failed", "driver", driverID, "error", err)
	}
	if delivered {
		s.capturePayment(ctx, o.ID)
	} else {
		s.cancelHold(ctx, o.ID)
	}
}

func (s *Service) fee(o *models.Order) float64 {
	return s.cfg.BaseFee + s.cfg.PerKmFee*geo.Haversine(o.StoreLoc, o.Address.Coord)
}

// fanOut publishes one event to every interested party: the order's
// topic, the customer, the assigned driver and the store.
func (s *Service) fanOut(o *models.Order, ev models.Event) {
	s.hub.Publish(realtime.TopicOrder(o.ID), ev)
	s.hub.Publish(realtime.TopicUser(o.CustomerID), ev)
	if o.DriverID != "" {
		s.hub.Publish(realtime.TopicDriver(o.DriverID), ev)
	}
	s.hub.Publish(realtime.TopicStore(o.StoreID), ev)
}

func (s *Service) event(name string, payload map[string]any) models.Event {
	return models.Event{Name: name, At: s.now().UTC(), Payload: payload}
}

// emit forwards a committed event to kafka; failures are logged, the
// triggering operation never rolls back on them.
func (s *Service) emit(key string, ev models.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(key, ev); err != nil {
		s.logger.Warn("event emit failed", "event", ev.Name, "key", key, "error", err)
	}
}

func (s *Service) holdPayment(ctx context.Context, o *models.Order, del *models.Delivery) {
	if s.payments == nil {
		return
	}
	cents := int64((o.Total() + del.DeliveryCost) * 100)
	id, err := s.payments.Hold(ctx, cents, s.cfg.Currency, o.CustomerID)
	if err != nil {
		s.logger.Warn("payment hold failed", "order", o.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.holds[o.ID] = id
	s.mu.Unlock()
}

func (s *Service) capturePayment(ctx context.Context, orderID string) {
	if id := s.takeHold(orderID); id != "" {
		if err := s.payments.Capture(ctx, id); err != nil {
			s.logger.Warn("payment capture failed", "order", orderID, "error", err)
		}
	}
}

func (s *Service) cancelHold(ctx context.Context, orderID string) {
	if id := s.takeHold(orderID); id != "" {
		if err := s.payments.Cancel(ctx, id); err != nil {
			s.logger.Warn("payment cancel failed", "order", orderID, "error", err)
		}
	}
}

func (s *Service) takeHold(orderID string) string {
	if s.payments == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.holds[orderID]
	delete(s.holds, orderID)
	return id
}
