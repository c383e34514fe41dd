package store

import (
	"context"
	"database/sql"
	"testing"

	"checkout-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestClaimForCaptureSkipsCancelledOrders(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE orders SET payment_state = \$1.*fulfillment_state <> \$5`).
		WithArgs(models.PaymentStateCaptured, "txn_1", "intent_1",
			models.PaymentStateAwaiting, models.FulfillmentCancelled).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)

	claimed, err := st.ClaimForCapture(ctx, tx, "intent_1", "txn_1")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapCancelRequiresAwaitingGatewayPayment(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE orders SET fulfillment_state = \$1.*payment_method = \$4 AND payment_state = \$5`).
		WithArgs(models.FulfillmentCancelled, int64(9), models.FulfillmentDelivered,
			models.PaymentMethodGateway, models.PaymentStateAwaiting).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)

	cancelled, stockCommitted, err := st.ReapCancelTx(ctx, tx, 9)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.False(t, stockCommitted)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelOrderTxReturnsStockCommitted(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE orders SET fulfillment_state = \$1.*RETURNING stock_committed`).
		WithArgs(models.FulfillmentCancelled, int64(4), models.FulfillmentDelivered).
		WillReturnRows(sqlmock.NewRows([]string{"stock_committed"}).AddRow(true))
	mock.ExpectRollback()

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)

	cancelled, stockCommitted, err := st.CancelOrderTx(ctx, tx, 4)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, stockCommitted)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
