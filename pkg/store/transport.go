package store

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/metrics"
)

// ValueTx is the SendContext value key under which a caller may pass the
// *sql.Tx of the audited unit of work. The record is then written inside it.
const ValueTx = "sql.tx"

// TransportName identifies the local-store transport.
const TransportName = "database"

// Transport writes audit records to the Store. It is the guaranteed local
// transport used for fallback delivery.
type Transport struct {
	store  *Store
	logger *zap.Logger
}

// NewTransport wraps s. The store stays owned by the caller; Close is a no-op.
func NewTransport(s *Store, logger *zap.Logger) *Transport {
	return &Transport{store: s, logger: logger.Named("audit-store-transport")}
}

// Name implements audit.Transport.
func (t *Transport) Name() string { return TransportName }

// Supports accepts every record.
func (t *Transport) Supports(*audit.Record) bool { return true }

// Send inserts the record, joining a caller transaction when one is supplied
// through ctx or sc.Values[ValueTx].
func (t *Transport) Send(ctx context.Context, r *audit.Record, sc audit.SendContext) error {
	if tx, ok := sc.Values[ValueTx].(*sql.Tx); ok {
		ctx = WithTx(ctx, tx)
	}
	start := time.Now()
	id, err := t.store.Insert(ctx, r.Data())
	metrics.AuditTransportLatency.WithLabelValues(TransportName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AuditTransportErrors.WithLabelValues(TransportName, "insert").Inc()
		return err
	}
	t.logger.Debug("audit record stored",
		zap.String("id", id),
		zap.String("entity_class", r.EntityClass()),
		zap.String("entity_id", r.EntityID()),
		zap.String("phase", string(sc.Phase)))
	return nil
}

// Close implements audit.Transport.
func (t *Transport) Close() error { return nil }
