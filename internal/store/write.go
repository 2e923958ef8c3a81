package store

import (
	"context"
	"fmt"

	"github.com/roach88/cepcore/internal/except"
)

var _ except.Journal = (*Store)(nil)

// RecordIncident appends an incident to the journal.
func (s *Store) RecordIncident(ctx context.Context, inc except.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents
		(run_id, type, statement, event_type, message, at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		s.runID,
		inc.Type,
		inc.Statement,
		inc.EventType,
		inc.Message,
		inc.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}
