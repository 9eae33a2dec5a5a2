package hunter

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds hunter-related OpenTelemetry metric instruments.
type Metrics struct {
	cyclesTotal      metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	candidatesFound  metric.Int64Counter
	releasesWon      metric.Int64Counter
	releasesLost     metric.Int64Counter
	releasesFailed   metric.Int64Counter
	bountyEarned     metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	cyclesTotal, err := meter.Int64Counter(
		"vaultwatch_hunter_cycles_total",
		metric.WithDescription("Total number of hunt cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"vaultwatch_hunter_cycle_duration_seconds",
		metric.WithDescription("Hunt cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	candidatesFound, err := meter.Int64Counter(
		"vaultwatch_hunter_candidates_total",
		metric.WithDescription("Total number of expired vaults found eligible for release"),
		metric.WithUnit("{vault}"),
	)
	if err != nil {
		return nil, err
	}

	releasesWon, err := meter.Int64Counter(
		"vaultwatch_hunter_releases_won_total",
		metric.WithDescription("Total number of release triggers confirmed for this payer"),
		metric.WithUnit("{release}"),
	)
	if err != nil {
		return nil, err
	}

	releasesLost, err := meter.Int64Counter(
		"vaultwatch_hunter_releases_lost_total",
		metric.WithDescription("Total number of releases another party triggered first"),
		metric.WithUnit("{release}"),
	)
	if err != nil {
		return nil, err
	}

	releasesFailed, err := meter.Int64Counter(
		"vaultwatch_hunter_releases_failed_total",
		metric.WithDescription("Total number of release triggers that failed outright"),
		metric.WithUnit("{release}"),
	)
	if err != nil {
		return nil, err
	}

	bountyEarned, err := meter.Int64Counter(
		"vaultwatch_hunter_bounty_earned_lamports_total",
		metric.WithDescription("Total bounty earned, in lamports"),
		metric.WithUnit("{lamport}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"vaultwatch_hunter_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last hunt cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cyclesTotal:      cyclesTotal,
		cycleDuration:    cycleDuration,
		candidatesFound:  candidatesFound,
		releasesWon:      releasesWon,
		releasesLost:     releasesLost,
		releasesFailed:   releasesFailed,
		bountyEarned:     bountyEarned,
		lastRunTimestamp: lastRunTimestamp,
	}, nil
}
