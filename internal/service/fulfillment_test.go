package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{models.FulfillmentPlaced, models.FulfillmentConfirmed, true},
		{models.FulfillmentPlaced, models.FulfillmentCancelled, true},
		{models.FulfillmentPlaced, models.FulfillmentDelivered, false},
		{models.FulfillmentConfirmed, models.FulfillmentProcessing, true},
		{models.FulfillmentProcessing, models.FulfillmentShipped, true},
		{models.FulfillmentShipped, models.FulfillmentDelivered, true},
		{models.FulfillmentShipped, models.FulfillmentCancelled, true},
		{models.FulfillmentDelivered, models.FulfillmentCancelled, false},
		{models.FulfillmentCancelled, models.FulfillmentPlaced, false},
		{models.FulfillmentCancelled, models.FulfillmentCancelled, false},
		{"UNKNOWN", models.FulfillmentCancelled, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"transition %s -> %s", tc.from, tc.to)
	}
}

func newTestFulfillment(t *testing.T) (*FulfillmentService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock"))

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	producer := broker.NewProducer([]string{"127.0.0.1:1"}, "order-events")
	t.Cleanup(func() { producer.Close() })

	svc := NewFulfillmentService(st, rc, broker.NewEventPublisher(producer), NewAuditTrail(st))
	return svc, mock
}

func itemColumns() []string {
	return []string{"id", "order_id", "variant_id", "unit_id", "quantity", "price_snapshot", "attributes", "shipped_serial"}
}

func TestShipWritesProofsInTransaction(t *testing.T) {
	svc, mock := newTestFulfillment(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM orders WHERE id`).
		WillReturnRows(orderRowFor(models.PaymentMethodCOD, models.PaymentStateAwaiting, models.FulfillmentProcessing, 500))
	mock.ExpectQuery(`SELECT \* FROM order_items WHERE order_id`).
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow(int64(5), int64(1), int64(3), int64(11), 1, int64(500), "{}", nil))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET fulfillment_state`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE orders SET tracking_id`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE order_items SET shipped_serial`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT \* FROM orders WHERE id`).
		WillReturnRows(orderRowFor(models.PaymentMethodCOD, models.PaymentStateAwaiting, models.FulfillmentShipped, 500))

	order, err := svc.TransitionFulfillment(ctx, 1, models.FulfillmentShipped, TransitionExtra{
		TrackingID:     "TRK-100",
		ShippedSerials: map[int64]string{5: "SN-100"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentShipped, order.FulfillmentState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShipRequiresSerialProof(t *testing.T) {
	svc, mock := newTestFulfillment(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM orders WHERE id`).
		WillReturnRows(orderRowFor(models.PaymentMethodCOD, models.PaymentStateAwaiting, models.FulfillmentProcessing, 500))
	mock.ExpectQuery(`SELECT \* FROM order_items WHERE order_id`).
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow(int64(5), int64(1), int64(3), int64(11), 1, int64(500), "{}", nil))

	_, err := svc.TransitionFulfillment(ctx, 1, models.FulfillmentShipped, TransitionExtra{
		TrackingID: "TRK-100",
	})
	require.ErrorIs(t, err, ErrMissingTrackingProof)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapSkipsOrderSettledAfterListing(t *testing.T) {
	svc, mock := newTestFulfillment(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM orders WHERE payment_method`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentPlaced, 500))
	mock.ExpectBegin()
	// The cancel precondition includes payment state; an order settled after
	// the listing read matches nothing.
	mock.ExpectQuery(`UPDATE orders SET fulfillment_state`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	reclaimed, err := svc.ReapAbandoned(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}
