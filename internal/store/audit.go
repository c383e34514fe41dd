package store

import (
	"context"

	"checkout-service/internal/models"
)

// AppendAudit inserts one append-only settlement log row. Audit rows are
// never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (order_id, remote_intent_id, remote_transaction_id, event_kind, outcome, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		entry.OrderID, entry.RemoteIntentID, entry.RemoteTransactionID,
		entry.EventKind, entry.Outcome, entry.Message).
		Scan(&entry.ID, &entry.CreatedAt)
}

// GetAuditByOrderID retrieves the settlement log for an order, newest first
func (s *Store) GetAuditByOrderID(ctx context.Context, orderID int64) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM audit_log WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return entries, err
}
