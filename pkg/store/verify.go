package store

import (
	"context"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/metrics"
)

// VerifyResult is the integrity verdict for one stored record.
type VerifyResult struct {
	Entry Entry
	Valid bool
}

// verifyPageSize is the number of rows Verify reads per query.
const verifyPageSize = DefaultListLimit

// Verify checks the signature of every record matching f. Unlike List, a
// zero f.Limit means no limit: Verify pages through all matching rows.
func (s *Store) Verify(ctx context.Context, f Filter, integrity *audit.IntegrityService) ([]VerifyResult, error) {
	results := make([]VerifyResult, 0)
	page := f
	page.Offset = max(f.Offset, 0)
	for {
		page.Limit = verifyPageSize
		if f.Limit > 0 {
			page.Limit = min(verifyPageSize, f.Limit-len(results))
		}
		entries, err := s.List(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			valid := integrity.VerifyData(e.RecordData)
			if valid {
				metrics.AuditVerifications.WithLabelValues("valid").Inc()
			} else {
				metrics.AuditVerifications.WithLabelValues("tampered").Inc()
			}
			results = append(results, VerifyResult{Entry: e, Valid: valid})
		}
		if len(entries) < page.Limit || (f.Limit > 0 && len(results) >= f.Limit) {
			return results, nil
		}
		page.Offset += len(entries)
	}
}
