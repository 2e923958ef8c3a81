// Package metrics accounts statement execution time.
//
// Statements with metrics enabled are timed by the engine around each
// callback execution. Totals are kept in memory per statement and also
// recorded to OpenTelemetry instruments from the global meter provider,
// which is a no-op unless the host installs one.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/cepcore/internal/statement"
)

const instrumentationName = "github.com/roach88/cepcore/internal/metrics"

// StatementStats are the accumulated totals of one statement.
type StatementStats struct {
	Statement   string
	Invocations int64
	InputEvents int64
	WallTime    time.Duration
}

// Service records statement execution metrics.
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	mu    sync.Mutex
	stats map[string]*StatementStats

	wall        metric.Float64Histogram
	invocations metric.Int64Counter
	inputs      metric.Int64Counter
}

// NewService creates instruments on meter, or on the global meter provider
// when meter is nil.
func NewService(meter metric.Meter) (*Service, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	wall, err := meter.Float64Histogram("cep.statement.wall_time",
		metric.WithDescription("Wall time spent executing statement callbacks"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create wall time histogram: %w", err)
	}
	invocations, err := meter.Int64Counter("cep.statement.invocations",
		metric.WithDescription("Statement callback executions"))
	if err != nil {
		return nil, fmt.Errorf("create invocation counter: %w", err)
	}
	inputs, err := meter.Int64Counter("cep.statement.input_events",
		metric.WithDescription("Events delivered to statement callbacks"))
	if err != nil {
		return nil, fmt.Errorf("create input counter: %w", err)
	}

	return &Service{
		stats:       make(map[string]*StatementStats),
		wall:        wall,
		invocations: invocations,
		inputs:      inputs,
	}, nil
}

// AccountTime records one execution of the statement behind h.
func (s *Service) AccountTime(h *statement.AgentInstanceHandle, wall time.Duration, numInput int) {
	s.mu.Lock()
	st, ok := s.stats[h.StatementName]
	if !ok {
		st = &StatementStats{Statement: h.StatementName}
		s.stats[h.StatementName] = st
	}
	st.Invocations++
	st.InputEvents += int64(numInput)
	st.WallTime += wall
	s.mu.Unlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("statement", h.StatementName))
	s.wall.Record(ctx, float64(wall)/float64(time.Millisecond), attrs)
	s.invocations.Add(ctx, 1, attrs)
	s.inputs.Add(ctx, int64(numInput), attrs)
}

// Snapshot returns the totals of every statement, sorted by name.
func (s *Service) Snapshot() []StatementStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StatementStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Statement < out[j].Statement })
	return out
}

// Reset clears the in-memory totals.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = make(map[string]*StatementStats)
}
