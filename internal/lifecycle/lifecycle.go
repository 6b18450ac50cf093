package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// ErrInvalidTransition is returned when a requested status change is
// not in the transition table. The order is left untouched.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the static table of legal status changes.
// pending -> confirmed -> accepted -> picked_up -> on_way -> delivered;
// cancel is allowed until pickup, failed only once goods are in hand.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusPickedUp, models.StatusCancelled},
	models.StatusPickedUp:  {models.StatusOnWay, models.StatusFailed},
	models.StatusOnWay:     {models.StatusDelivered, models.StatusFailed},
	models.StatusDelivered: {},
	models.StatusFailed:    {},
	models.StatusCancelled: {},
}

var labels = map[models.Status]string{
	models.StatusPending:   "Order placed",
	models.StatusConfirmed: "Order confirmed by store",
	models.StatusAccepted:  "Driver assigned",
	models.StatusPickedUp:  "Order picked up",
	models.StatusOnWay:     "Driver on the way",
	models.StatusDelivered: "Order delivered",
	models.StatusFailed:    "Delivery failed",
	models.StatusCancelled: "Order cancelled",
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func IsTerminal(s models.Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Label returns the human-readable timeline label for s.
func Label(s models.Status) string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// Advance moves the order to the requested status, appending one
// timeline entry and stamping the exactly-once timestamps.
//
// Re-applying the current status is a no-op, not an error: the caller
// may see re-delivered events and must not double-append the timeline.
func Advance(o *models.Order, to models.Status, now time.Time) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.Timeline = append(o.Timeline, models.TimelineEntry{Status: to, At: now, Label: Label(to)})
	switch to {
	case models.StatusAccepted:
		if o.DriverAssignedAt == nil {
			t := now
			o.DriverAssignedAt = &t
		}
	case models.StatusPickedUp:
		if o.PickedUpAt == nil {
			t := now
			o.PickedUpAt = &t
		}
	case models.StatusDelivered:
		if o.DeliveredAt == nil {
			t := now
			o.DeliveredAt = &t
		}
	}
	return nil
}
