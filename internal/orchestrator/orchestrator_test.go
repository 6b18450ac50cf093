package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/directory"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/realtime"
	"github.com/example/delivery-dispatch/internal/storage"
)

var (
	cairo    = models.Coord{Lat: 30.0444, Lng: 31.2357}
	dest     = models.Coord{Lat: 30.0600, Lng: 31.2500}
	storeOp  = Actor{ID: "s1", Role: realtime.RoleStore}
	customer = Actor{ID: "c1", Role: realtime.RoleCustomer}
	admin    = Actor{ID: "root", Role: realtime.RoleAdmin}
)

type fakeHub struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newFakeHub() *fakeHub { return &fakeHub{events: make(map[string][]models.Event)} }

func (f *fakeHub) Publish(topic string, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[topic] = append(f.events[topic], ev)
}

func (f *fakeHub) names(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events[topic] {
		out = append(out, ev.Name)
	}
	return out
}

type fakePayments struct {
	mu       sync.Mutex
	holds    int
	captures int
	cancels  int
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds++
	return fmt.Sprintf("pi_%d", f.holds), nil
}

func (f *fakePayments) Capture(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) (*Service, *directory.Directory, *fakeHub) {
	t.Helper()
	dir := directory.New(geo.NewMemoryIndex())
	hub := newFakeHub()
	svc := New(storage.NewMemoryStore(), dir, hub, DefaultConfig(), discard())
	return svc, dir, hub
}

func addDriver(svc *Service, id string, loc models.Coord, rating float64) {
	svc.RegisterDriver(models.Driver{ID: id, Name: id, Loc: loc, Rating: rating, LastLocationAt: time.Now()})
}

// confirmedOrder creates an order and runs the store confirmation,
// which also creates the delivery record.
func confirmedOrder(t *testing.T, svc *Service) *models.Order {
	t.Helper()
	ctx := context.Background()
	o := &models.Order{
		CustomerID: "c1",
		StoreID:    "s1",
		StoreLoc:   cairo,
		Address:    models.Address{Text: "12 Tahrir Sq", Coord: dest},
		Items:      []models.OrderItem{{ProductID: "p1", Name: "koshari", UnitPrice: 4.5, Quantity: 2}},
	}
	require.NoError(t, svc.CreateOrder(ctx, o))
	_, err := svc.CreateAssignment(ctx, o.ID, "", storeOp)
	require.NoError(t, err)
	got, err := svc.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, got.Status)
	return got
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	svc, dir, _ := setup(t)
	o := confirmedOrder(t, svc)

	const n = 16
	for i := 0; i < n; i++ {
		addDriver(svc, fmt.Sprintf("d%02d", i), cairo, 5)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	losses := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Claim(context.Background(), o.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, storage.ErrOrderNoLongerAvailable):
				losses++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(fmt.Sprintf("d%02d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one claim must win")
	assert.Equal(t, n-1, losses)

	got, err := svc.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.DriverID)
	assert.Equal(t, models.StatusAccepted, got.Status)

	// the winner is busy, every loser was rolled back to available
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%02d", i)
		drv, err := dir.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id != winners[0], drv.IsAvailable, "driver %s", id)
		assert.Equal(t, drv.IsAvailable, drv.CurrentDelivery == "", "symmetry for %s", id)
	}
}

func TestSecondClaimLosesCleanly(t *testing.T) {
	svc, dir, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)
	addDriver(svc, "E", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	_, err = svc.Claim(ctx, o.ID, "E")
	assert.ErrorIs(t, err, storage.ErrOrderNoLongerAvailable)

	got, _ := svc.Order(ctx, o.ID)
	assert.Equal(t, "D", got.DriverID)
	e, _ := dir.Get("E")
	assert.True(t, e.IsAvailable, "losing claimant must stay available")
}

func TestClaimByBusyDriverRejected(t *testing.T) {
	svc, _, _ := setup(t)
	first := confirmedOrder(t, svc)
	second := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, first.ID, "D")
	require.NoError(t, err)

	_, err = svc.Claim(ctx, second.ID, "D")
	assert.ErrorIs(t, err, directory.ErrDriverUnavailable)
	got, _ := svc.Order(ctx, second.ID)
	assert.Empty(t, got.DriverID, "second order must remain unassigned")
}

func TestDeliveredSettlesDriverExactlyOnce(t *testing.T) {
	svc, dir, _ := setup(t)
	pay := &fakePayments{}
	svc.WithPayments(pay)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)
	assert.Equal(t, 1, pay.holds)

	driver := Actor{ID: "D", Role: realtime.RoleDriver}
	for _, st := range []models.Status{models.StatusPickedUp, models.StatusOnWay, models.StatusDelivered} {
		_, err := svc.AdvanceStatus(ctx, o.ID, driver, st, "")
		require.NoError(t, err)
	}

	drv, _ := dir.Get("D")
	assert.True(t, drv.IsAvailable)
	assert.Empty(t, drv.CurrentDelivery)
	assert.Equal(t, 1, drv.TotalDeliveries)
	assert.Greater(t, drv.TotalEarnings, 0.0)

	del, err := svc.Delivery(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "delivered", del.Status)
	assert.InDelta(t, drv.TotalEarnings, del.DeliveryCost, 1e-9)
	assert.Equal(t, 1, pay.captures)

	// a re-delivered terminal report settles nothing further
	_, err = svc.AdvanceStatus(ctx, o.ID, driver, models.StatusDelivered, "")
	require.NoError(t, err)
	drv, _ = dir.Get("D")
	assert.Equal(t, 1, drv.TotalDeliveries)
}

func TestAutoAssignSelectsClosest(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "A", models.Coord{Lat: 30.0489, Lng: 31.2357}, 5) // ~0.5 km
	addDriver(svc, "B", models.Coord{Lat: 30.0624, Lng: 31.2357}, 5) // ~2 km

	got, err := svc.AutoAssign(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.DriverID)
}

func TestAutoAssignNoDriversLeavesOrderAwaiting(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)

	_, err := svc.AutoAssign(context.Background(), o.ID)
	assert.ErrorIs(t, err, matcher.ErrNoDriverAvailable)

	got, _ := svc.Order(context.Background(), o.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status, "order must not be cancelled")
	assert.Empty(t, got.DriverID)

	awaiting, err := svc.AvailableOrders(context.Background(), cairo, 5)
	require.NoError(t, err)
	assert.Len(t, awaiting, 1, "order stays eligible for a later sweep")
}

func TestAutoAssignFallsBackToNextBest(t *testing.T) {
	svc, dir, _ := setup(t)
	o := confirmedOrder(t, svc)

	// ghost looks available but already holds a delivery (manual
	// override); the reserve fails and the next candidate is used.
	dir.Upsert(models.Driver{
		ID: "ghost", IsAvailable: true, CurrentDelivery: "elsewhere",
		Loc: models.Coord{Lat: 30.0489, Lng: 31.2357}, Rating: 5, LastLocationAt: time.Now(),
	})
	addDriver(svc, "backup", models.Coord{Lat: 30.0700, Lng: 31.2500}, 4)

	got, err := svc.AutoAssign(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "backup", got.DriverID)
}

func TestCancelBeforePickupReleasesDriver(t *testing.T) {
	svc, dir, _ := setup(t)
	pay := &fakePayments{}
	svc.WithPayments(pay)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, o.ID, storeOp, "store closed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Empty(t, got.DriverID, "driver reference is cleared on pre-pickup cancel")

	drv, _ := dir.Get("D")
	assert.True(t, drv.IsAvailable)
	assert.Zero(t, drv.TotalDeliveries, "cancel must not count as a delivery")
	assert.Equal(t, 1, pay.cancels, "payment hold released")

	del, _ := svc.Delivery(ctx, o.ID)
	assert.Equal(t, "cancelled", del.Status)
}

func TestStatusPathCancelClearsDriverReference(t *testing.T) {
	svc, dir, hub := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	// cancellation arriving as a plain status update must behave like
	// Cancel: release the driver and drop the order's reference to them
	got, err := svc.AdvanceStatus(ctx, o.ID, admin, models.StatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Empty(t, got.DriverID)

	drv, err := dir.Get("D")
	require.NoError(t, err)
	assert.True(t, drv.IsAvailable)
	assert.Empty(t, drv.CurrentDelivery)
	assert.Zero(t, drv.TotalDeliveries)

	del, err := svc.Delivery(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", del.Status)
	assert.Empty(t, del.DriverID)

	assert.Contains(t, hub.names(realtime.TopicDriver("D")), models.EventOrderUpdate,
		"released driver still hears about the cancellation")
}

func TestOrderLocksDrainAfterOperations(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)
	driver := Actor{ID: "D", Role: realtime.RoleDriver}
	for _, st := range []models.Status{models.StatusPickedUp, models.StatusOnWay, models.StatusDelivered} {
		_, err := svc.AdvanceStatus(ctx, o.ID, driver, st, "")
		require.NoError(t, err)
	}

	svc.mu.Lock()
	remaining := len(svc.locks)
	svc.mu.Unlock()
	assert.Zero(t, remaining, "per-order lock entries must not outlive the operations")
}

func TestCancelAfterPickupRejected(t *testing.T) {
	svc, dir, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)
	driver := Actor{ID: "D", Role: realtime.RoleDriver}
	_, err = svc.AdvanceStatus(ctx, o.ID, driver, models.StatusPickedUp, "")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, o.ID, customer, "changed my mind")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	got, _ := svc.Order(ctx, o.ID)
	assert.Equal(t, models.StatusPickedUp, got.Status)
	drv, _ := dir.Get("D")
	assert.False(t, drv.IsAvailable, "driver keeps the active delivery")
}

func TestSkippedTransitionRejected(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)

	// confirmed -> picked_up skips accepted
	_, err := svc.AdvanceStatus(context.Background(), o.ID, admin, models.StatusPickedUp, "")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	got, _ := svc.Order(context.Background(), o.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status, "rejected transition must not mutate")
}

func TestIdempotentStatusReapplication(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)
	driver := Actor{ID: "D", Role: realtime.RoleDriver}

	first, err := svc.AdvanceStatus(ctx, o.ID, driver, models.StatusPickedUp, "")
	require.NoError(t, err)
	second, err := svc.AdvanceStatus(ctx, o.ID, driver, models.StatusPickedUp, "")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, len(first.Timeline), len(second.Timeline), "duplicate request must not append timeline")
}

func TestUnauthorizedActors(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)
	addDriver(svc, "E", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	// another driver cannot report progress on D's order
	_, err = svc.AdvanceStatus(ctx, o.ID, Actor{ID: "E", Role: realtime.RoleDriver}, models.StatusPickedUp, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the customer cannot report driver progress either
	_, err = svc.AdvanceStatus(ctx, o.ID, customer, models.StatusPickedUp, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// an unrelated store cannot cancel
	_, err = svc.Cancel(ctx, o.ID, Actor{ID: "other-store", Role: realtime.RoleStore}, "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, _ := svc.Order(ctx, o.ID)
	assert.Equal(t, models.StatusAccepted, got.Status, "failed authorization must not mutate")
}

func TestFanOutReachesAllParties(t *testing.T) {
	svc, _, hub := setup(t)
	addDriver(svc, "D", cairo, 5)
	o := confirmedOrder(t, svc)

	assert.Contains(t, hub.names(realtime.TopicAvailableDrivers), models.EventNewOrderAvailable)
	assert.Contains(t, hub.names(realtime.TopicDriver("D")), models.EventNewOrderAvailable,
		"qualifying nearby driver gets an individual copy")

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)
	driver := Actor{ID: "D", Role: realtime.RoleDriver}
	_, err = svc.AdvanceStatus(ctx, o.ID, driver, models.StatusPickedUp, "on my way")
	require.NoError(t, err)

	for _, topic := range []string{
		realtime.TopicOrder(o.ID),
		realtime.TopicUser("c1"),
		realtime.TopicDriver("D"),
		realtime.TopicStore("s1"),
	} {
		assert.Contains(t, hub.names(topic), models.EventOrderAccepted, "topic %s", topic)
		assert.Contains(t, hub.names(topic), models.EventOrderUpdate, "topic %s", topic)
	}
	assert.Contains(t, hub.names(realtime.TopicUser("c1")), models.EventNotification)
}

func TestRecordLocationBreadcrumbsAndEvents(t *testing.T) {
	svc, _, hub := setup(t)
	o := confirmedOrder(t, svc)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	_, err := svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, svc.RecordLocation(ctx, "D", models.Coord{Lat: 30.05, Lng: 31.24}, base))
	require.NoError(t, svc.RecordLocation(ctx, "D", models.Coord{Lat: 30.06, Lng: 31.24}, base.Add(time.Second)))
	// stale ping: discarded, no breadcrumb
	require.NoError(t, svc.RecordLocation(ctx, "D", models.Coord{Lat: 1, Lng: 1}, base.Add(-time.Hour)))

	del, err := svc.Delivery(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, del.Route, 2)
	assert.Equal(t, 30.06, del.Route[1].Coord.Lat)

	assert.Contains(t, hub.names(realtime.TopicOrder(o.ID)), models.EventLocationUpdate)
	assert.Contains(t, hub.names(realtime.TopicDriver("D")), models.EventDriverLocationUpdate)
	assert.NotContains(t, hub.names(realtime.TopicUser("c1")), models.EventLocationUpdate,
		"location updates go only to the order and driver topics")
}

func TestETAUsesFullRouteOnceAssigned(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)

	ctx := context.Background()
	unassigned, err := svc.ETA(ctx, o.ID)
	require.NoError(t, err)
	want := geo.ETAMinutes(geo.Haversine(cairo, dest), DefaultConfig().SpeedKmh)
	assert.Equal(t, want, unassigned)

	driverLoc := models.Coord{Lat: 30.0300, Lng: 31.2200}
	addDriver(svc, "D", driverLoc, 5)
	_, err = svc.Claim(ctx, o.ID, "D")
	require.NoError(t, err)

	assigned, err := svc.ETA(ctx, o.ID)
	require.NoError(t, err)
	want = geo.ETAMinutes(geo.RouteDistance(driverLoc, cairo, dest), DefaultConfig().SpeedKmh)
	assert.Equal(t, want, assigned)
	assert.GreaterOrEqual(t, assigned, unassigned)
}

func TestStatsAndAvailableOrders(t *testing.T) {
	svc, _, _ := setup(t)
	confirmedOrder(t, svc)
	far := &models.Order{
		CustomerID: "c2", StoreID: "s1",
		StoreLoc: models.Coord{Lat: 31.5, Lng: 32.5},
		Address:  models.Address{Coord: models.Coord{Lat: 31.6, Lng: 32.6}},
	}
	ctx := context.Background()
	require.NoError(t, svc.CreateOrder(ctx, far))
	_, err := svc.CreateAssignment(ctx, far.ID, "", storeOp)
	require.NoError(t, err)
	addDriver(svc, "D", cairo, 5)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AvailableDrivers)
	assert.Equal(t, 2, stats.AwaitingAssignment)

	nearby, err := svc.AvailableOrders(ctx, cairo, 10)
	require.NoError(t, err)
	assert.Len(t, nearby, 1, "far store's order is outside the driver's radius")
}

func TestSweepAssignsAwaitingOrders(t *testing.T) {
	svc, _, _ := setup(t)
	o := confirmedOrder(t, svc)

	ctx := context.Background()
	svc.SweepAwaiting(ctx) // no drivers yet, must be a quiet no-op
	got, _ := svc.Order(ctx, o.ID)
	assert.Empty(t, got.DriverID)

	addDriver(svc, "D", cairo, 5)
	svc.SweepAwaiting(ctx)
	got, _ = svc.Order(ctx, o.ID)
	assert.Equal(t, "D", got.DriverID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestCreateAssignmentWithExplicitDriver(t *testing.T) {
	svc, _, _ := setup(t)
	addDriver(svc, "D", cairo, 5)

	ctx := context.Background()
	o := &models.Order{CustomerID: "c1", StoreID: "s1", StoreLoc: cairo, Address: models.Address{Coord: dest}}
	require.NoError(t, svc.CreateOrder(ctx, o))

	del, err := svc.CreateAssignment(ctx, o.ID, "D", storeOp)
	require.NoError(t, err)
	assert.Equal(t, "D", del.DriverID)
	assert.Equal(t, "driver_assigned", del.Status)
	assert.Greater(t, del.DeliveryCost, 0.0)

	// only the owning store (or an admin) may create the assignment
	o2 := &models.Order{CustomerID: "c1", StoreID: "s1", StoreLoc: cairo, Address: models.Address{Coord: dest}}
	require.NoError(t, svc.CreateOrder(ctx, o2))
	_, err = svc.CreateAssignment(ctx, o2.ID, "", Actor{ID: "other", Role: realtime.RoleStore})
	assert.ErrorIs(t, err, ErrUnauthorized)
}
