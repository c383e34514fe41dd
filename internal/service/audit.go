package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// AuditTrail appends settlement log rows without ever blocking or failing
// the caller's primary transaction. Entries are recorded after commit/abort
// decisions are final and carry enough context for manual dispute
// reconciliation.
type AuditTrail struct {
	store  *store.Store
	logger *zap.Logger
}

// NewAuditTrail creates a new audit trail
func NewAuditTrail(store *store.Store) *AuditTrail {
	return &AuditTrail{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Record appends an entry asynchronously. Failures are logged, never
// propagated.
func (a *AuditTrail) Record(entry models.AuditEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.store.AppendAudit(ctx, &entry); err != nil {
			a.logger.Error("Failed to append audit entry",
				zap.String("event_kind", entry.EventKind),
				zap.String("remote_intent_id", entry.RemoteIntentID),
				zap.Error(err))
		}
	}()
}
