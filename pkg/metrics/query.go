package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SpecialtyMetrics represents aggregated invocation metrics for one specialty.
type SpecialtyMetrics struct {
	Specialty   string  `json:"specialty"`
	Invocations int64   `json:"invocations"`
	Timeouts    int64   `json:"timeouts"`
	Errors      int64   `json:"errors"`
	P95Seconds  float64 `json:"p95_seconds"`
}

// QueryService queries aggregated consultation metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSpecialtyMetrics retrieves aggregated invocation counts and latency for
// one specialty.
func (q *QueryService) GetSpecialtyMetrics(ctx context.Context, specialty string) (*SpecialtyMetrics, error) {
	m := &SpecialtyMetrics{Specialty: specialty}

	total, err := q.scalar(ctx, fmt.Sprintf(`sum(specialist_invocations_total{specialty=%q})`, specialty))
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	m.Invocations = int64(total)

	timeouts, err := q.scalar(ctx, fmt.Sprintf(`sum(specialist_invocations_total{specialty=%q, outcome="timeout"})`, specialty))
	if err != nil {
		return nil, fmt.Errorf("failed to query timeouts: %w", err)
	}
	m.Timeouts = int64(timeouts)

	errs, err := q.scalar(ctx, fmt.Sprintf(`sum(specialist_invocations_total{specialty=%q, outcome="error"})`, specialty))
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	m.Errors = int64(errs)

	p95, err := q.scalar(ctx, fmt.Sprintf(
		`histogram_quantile(0.95, sum(rate(specialist_invocation_duration_seconds_bucket{specialty=%q}[1h])) by (le))`, specialty))
	if err != nil {
		return nil, fmt.Errorf("failed to query latency: %w", err)
	}
	m.P95Seconds = p95

	return m, nil
}

// GetTerminalCounts returns consultation counts per terminal phase.
func (q *QueryService) GetTerminalCounts(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (phase) (consultations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal counts: %w", err)
	}

	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if phase, ok := sample.Metric["phase"]; ok {
				counts[string(phase)] = int64(sample.Value)
			}
		}
	}
	return counts, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
