package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrOrderNoLongerAvailable is what a losing claimant sees; it is
	// expected under contention, not an internal fault.
	ErrOrderNoLongerAvailable = errors.New("order is no longer available")
)

// OrderStore defines persistence for orders. Claim is the one
// conditional operation: it must be an atomic read-modify-write so
// concurrent claims of the same order produce exactly one winner.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	// Claim assigns driverID iff the order is still unassigned and in
	// confirmed status; it advances the order to accepted and returns
	// the updated snapshot. Losers get ErrOrderNoLongerAvailable.
	Claim(ctx context.Context, orderID, driverID string, at time.Time) (*models.Order, error)
	// AwaitingAssignment lists confirmed, unassigned orders for the sweep.
	AwaitingAssignment(ctx context.Context) ([]*models.Order, error)
}

// DeliveryStore persists the richer tracking records.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	AppendBreadcrumb(ctx context.Context, deliveryID string, bc models.Breadcrumb) error
}

// Store bundles both sides; the memory and postgres types satisfy it.
type Store interface {
	OrderStore
	DeliveryStore
}

type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]*models.Order
	deliveries map[string]*models.Delivery
	byOrder    map[string]string // orderID -> deliveryID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*models.Order),
		deliveries: make(map[string]*models.Delivery),
		byOrder:    make(map[string]string),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, orderID, driverID string, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.DriverID != "" || o.Status != models.StatusConfirmed {
		return nil, ErrOrderNoLongerAvailable
	}
	o.DriverID = driverID
	if err := lifecycle.Advance(o, models.StatusAccepted, at); err != nil {
		o.DriverID = ""
		return nil, err
	}
	return o.Clone(), nil
}

func (m *MemoryStore) AwaitingAssignment(ctx context.Context) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == models.StatusConfirmed && o.DriverID == "" {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	m.byOrder[d.OrderID] = d.ID
	return nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Route = append([]models.Breadcrumb(nil), d.Route...)
	return &cp, nil
}

func (m *MemoryStore) GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error) {
	m.mu.RLock()
	id, ok := m.byOrder[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetDelivery(ctx, id)
}

func (m *MemoryStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	cp.Route = append([]models.Breadcrumb(nil), d.Route...)
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendBreadcrumb(ctx context.Context, deliveryID string, bc models.Breadcrumb) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Route = append(d.Route, bc)
	d.UpdatedAt = bc.At
	return nil
}
