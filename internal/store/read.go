package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cepcore/internal/except"
)

// Record is a stored incident.
type Record struct {
	ID    int64
	RunID string
	except.Incident
}

// Query filters ReadIncidents. Zero fields match everything.
type Query struct {
	RunID     string
	Statement string
	Type      string
	Limit     int
}

// ReadIncidents returns incidents in the order they were recorded.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadIncidents(ctx context.Context, q Query) ([]Record, error) {
	var where []string
	var args []any
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Statement != "" {
		where = append(where, "statement = ?")
		args = append(args, q.Statement)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}

	query := `SELECT id, run_id, type, statement, event_type, message, at_ms FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var atMs int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Type, &r.Statement, &r.EventType, &r.Message, &atMs); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		r.At = time.UnixMilli(atMs).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return records, nil
}

// CountByStatement returns the number of incidents per statement.
func (s *Store) CountByStatement(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT statement, COUNT(*) FROM incidents
		GROUP BY statement
		ORDER BY statement COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}
