package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

func confirmedOrder(id string) *models.Order {
	return &models.Order{
		ID: id, Number: id, CustomerID: "c1", StoreID: "s1",
		Status:    models.StatusConfirmed,
		CreatedAt: time.Now(),
	}
}

func TestMemoryClaimConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateOrder(ctx, confirmedOrder("o1"))

	o, err := m.Claim(ctx, "o1", "d1", time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if o.DriverID != "d1" || o.Status != models.StatusAccepted {
		t.Fatalf("claim did not assign: %+v", o)
	}
	if len(o.Timeline) != 1 || o.Timeline[0].Status != models.StatusAccepted {
		t.Fatalf("claim must append one timeline entry: %+v", o.Timeline)
	}

	if _, err := m.Claim(ctx, "o1", "d2", time.Now()); err != ErrOrderNoLongerAvailable {
		t.Fatalf("expected ErrOrderNoLongerAvailable, got %v", err)
	}
	// the winner keeps the order
	o, _ = m.GetOrder(ctx, "o1")
	if o.DriverID != "d1" {
		t.Fatalf("losing claim mutated the order: %+v", o)
	}

	if _, err := m.Claim(ctx, "missing", "d1", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryClaimRace(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateOrder(ctx, confirmedOrder("o1"))

	const n = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Claim(ctx, "o1", string(rune('a'+i)), time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				winners++
			case ErrOrderNoLongerAvailable:
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 || losers != n-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", n-1, winners, losers)
	}
}

func TestClaimRequiresConfirmed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	o := confirmedOrder("o1")
	o.Status = models.StatusPending
	_ = m.CreateOrder(ctx, o)
	if _, err := m.Claim(ctx, "o1", "d1", time.Now()); err != ErrOrderNoLongerAvailable {
		t.Fatalf("claim of a pending order must fail, got %v", err)
	}
}

func TestAwaitingAssignment(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateOrder(ctx, confirmedOrder("o1"))
	_ = m.CreateOrder(ctx, confirmedOrder("o2"))
	pending := confirmedOrder("o3")
	pending.Status = models.StatusPending
	_ = m.CreateOrder(ctx, pending)

	if _, err := m.Claim(ctx, "o2", "d1", time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	awaiting, err := m.AwaitingAssignment(ctx)
	if err != nil {
		t.Fatalf("awaiting: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != "o1" {
		t.Fatalf("expected only o1 awaiting, got %+v", awaiting)
	}
}

func TestDeliveryBreadcrumbs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	del := &models.Delivery{ID: "del1", OrderID: "o1", StoreID: "s1", CustomerID: "c1",
		Status: "pending_assignment", CreatedAt: now, UpdatedAt: now}
	_ = m.CreateDelivery(ctx, del)

	for i := 0; i < 3; i++ {
		bc := models.Breadcrumb{Coord: models.Coord{Lat: float64(i)}, At: now.Add(time.Duration(i) * time.Second)}
		if err := m.AppendBreadcrumb(ctx, "del1", bc); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, _ := m.GetDelivery(ctx, "del1")
	if len(got.Route) != 3 {
		t.Fatalf("expected 3 breadcrumbs, got %d", len(got.Route))
	}
	// snapshot isolation: mutating the returned route must not leak back
	got.Route[0].Coord.Lat = 99
	again, _ := m.GetDelivery(ctx, "del1")
	if again.Route[0].Coord.Lat == 99 {
		t.Fatal("returned route aliases store state")
	}

	byOrder, err := m.GetDeliveryByOrder(ctx, "o1")
	if err != nil || byOrder.ID != "del1" {
		t.Fatalf("lookup by order failed: %v %+v", err, byOrder)
	}
}
