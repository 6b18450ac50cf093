package models

import (
	"time"

	"github.com/google/uuid"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Address is a delivery destination: human text plus coordinates.
type Address struct {
	Text  string `json:"text"`
	Coord Coord  `json:"coord"`
}

// Status is the canonical order lifecycle vocabulary. The delivery
// record presents richer labels via DeliveryStatus, mapped 1:1.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusAccepted  Status = "accepted"
	StatusPickedUp  Status = "picked_up"
	StatusOnWay     Status = "on_way"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

type TimelineEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Label  string    `json:"label"`
}

type Order struct {
	ID         string      `json:"id"`
	Number     string      `json:"number"`
	CustomerID string      `json:"customer_id"`
	StoreID    string      `json:"store_id"`
	Items      []OrderItem `json:"items"`
	Status     Status      `json:"status"`
	DriverID   string      `json:"driver_id,omitempty"` // empty until claimed
	StoreLoc   Coord       `json:"store_loc"`
	Address    Address     `json:"address"`

	Timeline []TimelineEntry `json:"timeline"`

	CreatedAt        time.Time  `json:"created_at"`
	DriverAssignedAt *time.Time `json:"driver_assigned_at,omitempty"`
	PickedUpAt       *time.Time `json:"picked_up_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

// Total is the item snapshot total; items are immutable after creation.
func (o *Order) Total() float64 {
	var t float64
	for _, it := range o.Items {
		t += it.UnitPrice * float64(it.Quantity)
	}
	return t
}

// Clone copies the order with fresh slices so snapshots handed to the
// realtime layer cannot alias store-owned state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	return &c
}

type Driver struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsAvailable     bool      `json:"is_available"`
	CurrentDelivery string    `json:"current_delivery,omitempty"`
	Loc             Coord     `json:"loc"`
	LastLocationAt  time.Time `json:"last_location_at"`
	Rating          float64   `json:"rating"` // running average, 0..5
	RatingCount     int       `json:"rating_count"`
	TotalDeliveries int       `json:"total_deliveries"`
	TotalEarnings   float64   `json:"total_earnings"`
}

// Breadcrumb is one (location, timestamp) sample along an active route.
type Breadcrumb struct {
	Coord Coord     `json:"coord"`
	At    time.Time `json:"at"`
}

// Delivery is the richer tracking record mirroring an order's status.
// It is created when the store confirms and is never deleted.
type Delivery struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	DriverID   string `json:"driver_id,omitempty"`
	StoreID    string `json:"store_id"`
	CustomerID string `json:"customer_id"`

	PickupLocation      Address `json:"pickup_location"`
	DestinationLocation Address `json:"destination_location"`

	Status string       `json:"status"` // richer label, see DeliveryStatus
	Route  []Breadcrumb `json:"route,omitempty"`

	DeliveryCost      float64 `json:"delivery_cost,omitempty"`
	CustomerRating    float64 `json:"customer_rating,omitempty"`
	TotalDeliveryTime int     `json:"total_delivery_time,omitempty"` // minutes, set at terminal

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryStatus maps the canonical status onto the record's richer labels.
func DeliveryStatus(s Status) string {
	switch s {
	case StatusPending, StatusConfirmed:
		return "pending_assignment"
	case StatusAccepted:
		return "driver_assigned"
	case StatusPickedUp:
		return "picked_up"
	case StatusOnWay:
		return "in_transit"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed_delivery"
	case StatusCancelled:
		return "cancelled"
	}
	return string(s)
}

// Event is a realtime channel message. Payload carries the affected
// entity id plus a snapshot; At is the emission time.
type Event struct {
	Name    string         `json:"event"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

// Event names on the realtime channel.
const (
	EventNewOrderAvailable    = "newOrderAvailable"
	EventOrderAccepted        = "orderAccepted"
	EventOrderUpdate          = "orderUpdate"
	EventLocationUpdate       = "locationUpdate"
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventNotification         = "notification"
)

// LocationPing is the driver location stream message body.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

func NewID() string { return uuid.NewString() }
