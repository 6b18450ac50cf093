package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

// PostgresStore persists orders and deliveries. Items, timeline and
// route breadcrumbs live in jsonb columns; the claim is a single
// conditional UPDATE so the database arbitrates concurrent claims.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	items, _ := json.Marshal(o.Items)
	timeline, _ := json.Marshal(o.Timeline)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders(id, number, customer_id, store_id, items, status, driver_id,
			store_lat, store_lng, dest_text, dest_lat, dest_lng, timeline,
			created_at, driver_assigned_at, picked_up_at, delivered_at)
		VALUES($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.Number, o.CustomerID, o.StoreID, items, string(o.Status), o.DriverID,
		o.StoreLoc.Lat, o.StoreLoc.Lng, o.Address.Text, o.Address.Coord.Lat, o.Address.Coord.Lng,
		timeline, o.CreatedAt, o.DriverAssignedAt, o.PickedUpAt, o.DeliveredAt)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, store_id, items, status, COALESCE(driver_id,''),
			store_lat, store_lng, dest_text, dest_lat, dest_lng, timeline,
			created_at, driver_assigned_at, picked_up_at, delivered_at
		FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	timeline, _ := json.Marshal(o.Timeline)
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status=$1, driver_id=NULLIF($2,''), timeline=$3,
			driver_assigned_at=$4, picked_up_at=$5, delivered_at=$6
		WHERE id=$7`,
		string(o.Status), o.DriverID, timeline,
		o.DriverAssignedAt, o.PickedUpAt, o.DeliveredAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim lets the database decide the race: the UPDATE matches only
// while the order is confirmed and unassigned, so exactly one
// concurrent claimant sees RowsAffected == 1.
func (p *PostgresStore) Claim(ctx context.Context, orderID, driverID string, at time.Time) (*models.Order, error) {
	entry, _ := json.Marshal(models.TimelineEntry{Status: models.StatusAccepted, At: at, Label: "Driver assigned"})
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET driver_id=$1, status=$2, driver_assigned_at=$3, timeline = timeline || $4::jsonb
		WHERE id=$5 AND driver_id IS NULL AND status=$6`,
		driverID, string(models.StatusAccepted), at, entry, orderID, string(models.StatusConfirmed))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.GetOrder(ctx, orderID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrOrderNoLongerAvailable
	}
	return p.GetOrder(ctx, orderID)
}

func (p *PostgresStore) AwaitingAssignment(ctx context.Context) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, number, customer_id, store_id, items, status, COALESCE(driver_id,''),
			store_lat, store_lng, dest_text, dest_lat, dest_lng, timeline,
			created_at, driver_assigned_at, picked_up_at, delivered_at
		FROM orders WHERE status=$1 AND driver_id IS NULL
		ORDER BY created_at`, string(models.StatusConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var items, timeline []byte
	var status string
	err := row.Scan(&o.ID, &o.Number, &o.CustomerID, &o.StoreID, &items, &status, &o.DriverID,
		&o.StoreLoc.Lat, &o.StoreLoc.Lng, &o.Address.Text, &o.Address.Coord.Lat, &o.Address.Coord.Lng,
		&timeline, &o.CreatedAt, &o.DriverAssignedAt, &o.PickedUpAt, &o.DeliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = models.Status(status)
	_ = json.Unmarshal(items, &o.Items)
	_ = json.Unmarshal(timeline, &o.Timeline)
	return &o, nil
}

func (p *PostgresStore) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	route, _ := json.Marshal(d.Route)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries(id, order_id, driver_id, store_id, customer_id,
			pickup_text, pickup_lat, pickup_lng, dest_text, dest_lat, dest_lng,
			status, route, delivery_cost, customer_rating, total_delivery_time,
			created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		d.ID, d.OrderID, d.DriverID, d.StoreID, d.CustomerID,
		d.PickupLocation.Text, d.PickupLocation.Coord.Lat, d.PickupLocation.Coord.Lng,
		d.DestinationLocation.Text, d.DestinationLocation.Coord.Lat, d.DestinationLocation.Coord.Lng,
		d.Status, route, d.DeliveryCost, d.CustomerRating, d.TotalDeliveryTime,
		d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	return p.getDelivery(ctx, `WHERE id=$1`, id)
}

func (p *PostgresStore) GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error) {
	return p.getDelivery(ctx, `WHERE order_id=$1`, orderID)
}

func (p *PostgresStore) getDelivery(ctx context.Context, where, arg string) (*models.Delivery, error) {
	var d models.Delivery
	var route []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, COALESCE(driver_id,''), store_id, customer_id,
			pickup_text, pickup_lat, pickup_lng, dest_text, dest_lat, dest_lng,
			status, route, delivery_cost, customer_rating, total_delivery_time,
			created_at, updated_at
		FROM deliveries `+where, arg).Scan(
		&d.ID, &d.OrderID, &d.DriverID, &d.StoreID, &d.CustomerID,
		&d.PickupLocation.Text, &d.PickupLocation.Coord.Lat, &d.PickupLocation.Coord.Lng,
		&d.DestinationLocation.Text, &d.DestinationLocation.Coord.Lat, &d.DestinationLocation.Coord.Lng,
		&d.Status, &route, &d.DeliveryCost, &d.CustomerRating, &d.TotalDeliveryTime,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(route, &d.Route)
	return &d, nil
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	route, _ := json.Marshal(d.Route)
	res, err := p.db.ExecContext(ctx, `
		UPDATE deliveries SET driver_id=NULLIF($1,''), status=$2, route=$3,
			delivery_cost=$4, customer_rating=$5, total_delivery_time=$6, updated_at=$7
		WHERE id=$8`,
		d.DriverID, d.Status, route, d.DeliveryCost, d.CustomerRating,
		d.TotalDeliveryTime, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendBreadcrumb(ctx context.Context, deliveryID string, bc models.Breadcrumb) error {
	b, _ := json.Marshal(bc)
	res, err := p.db.ExecContext(ctx, `
		UPDATE deliveries SET route = route || $1::jsonb, updated_at=$2 WHERE id=$3`,
		b, bc.At, deliveryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
