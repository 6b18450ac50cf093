package directory

import (
	"errors"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("driver not found")

	// ErrDriverUnavailable means the reserve lost to another delivery
	// or the driver went offline; expected under contention.
	ErrDriverUnavailable = errors.New("driver is not available")
)

// Directory is the live set of drivers: availability, last position,
// running stats. It is the only writer of IsAvailable/CurrentDelivery,
// which are always flipped together under the lock.
type Directory struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
	index   geo.Index // kept in sync on location writes
}

func New(index geo.Index) *Directory {
	return &Directory{drivers: make(map[string]*models.Driver), index: index}
}

func (d *Directory) Upsert(drv models.Driver) {
	d.mu.Lock()
	cp := drv
	d.drivers[drv.ID] = &cp
	d.mu.Unlock()
	d.index.Upsert(drv.ID, drv.Loc)
}

func (d *Directory) Get(id string) (models.Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv, ok := d.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return *drv, nil
}

// UpdateLocation overwrites the driver's last-known position.
// Last write wins by timestamp: an update older than what we already
// hold is discarded (applied == false), so out-of-order delivery
// cannot regress state.
func (d *Directory) UpdateLocation(id string, loc models.Coord, at time.Time) (applied bool, err error) {
	d.mu.Lock()
	drv, ok := d.drivers[id]
	if !ok {
		d.mu.Unlock()
		return false, ErrNotFound
	}
	if at.Before(drv.LastLocationAt) {
		d.mu.Unlock()
		return false, nil
	}
	drv.Loc = loc
	drv.LastLocationAt = at
	d.mu.Unlock()
	d.index.Upsert(id, loc)
	return true, nil
}

// Reserve atomically flips the driver to busy for the given delivery.
// Exactly one concurrent caller wins; losers get ErrDriverUnavailable.
func (d *Directory) Reserve(id, deliveryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if !drv.IsAvailable || drv.CurrentDelivery != "" {
		return ErrDriverUnavailable
	}
	drv.IsAvailable = false
	drv.CurrentDelivery = deliveryID
	return nil
}

// Release frees the driver after a terminal state (or after a failed
// claim rolls a reservation back). Counters move only when the
// delivery actually completed, and only once per release.
func (d *Directory) Release(id string, delivered bool, earnings float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if drv.CurrentDelivery == "" && drv.IsAvailable {
		return nil // already released
	}
	drv.IsAvailable = true
	drv.CurrentDelivery = ""
	if delivered {
		drv.TotalDeliveries++
		drv.TotalEarnings += earnings
	}
	return nil
}

// Rate folds one customer rating into the running average.
func (d *Directory) Rate(id string, rating float64) error {
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return ErrNotFound
	}
	drv.Rating = (drv.Rating*float64(drv.RatingCount) + rating) / float64(drv.RatingCount+1)
	drv.RatingCount++
	return nil
}

// Available returns a snapshot of every available driver.
func (d *Directory) Available() []models.Driver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Driver, 0, len(d.drivers))
	for _, drv := range d.drivers {
		if drv.IsAvailable {
			out = append(out, *drv)
		}
	}
	return out
}

// NearbyAvailable resolves the geo index hits against availability.
func (d *Directory) NearbyAvailable(center models.Coord, radiusKm float64, limit int) []models.Driver {
	ids := d.index.Nearby(center, radiusKm, limit)
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		if drv, ok := d.drivers[id]; ok && drv.IsAvailable {
			out = append(out, *drv)
		}
	}
	return out
}
