// Package metrics wires tally scopes for discovery and transfer counters.
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// Metric names shared by discovery and network.
const (
	AnnounceSent   = "announce_sent"
	AnnounceErrors = "announce_errors"
	PeersFound     = "peers_found"
	PeersLost      = "peers_lost"
	PeersActive    = "peers_active"

	TransfersStarted = "transfers_started"
	TransfersDone    = "transfers_finished"
	TransferBytes    = "transfer_bytes"
	TransferDuration = "transfer_duration"
)

// NewScope returns a root scope reporting to log every interval. A zero
// interval disables periodic reporting; the scope still aggregates.
func NewScope(log *zap.Logger, prefix string, interval time.Duration) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:    prefix,
		Separator: ".",
		Reporter:  NewLogReporter(log),
	}, interval)
}

// OrNoop returns scope, or tally.NoopScope when scope is nil.
func OrNoop(scope tally.Scope) tally.Scope {
	if scope == nil {
		return tally.NoopScope
	}
	return scope
}

type logReporter struct {
	log *zap.Logger
}

// NewLogReporter returns a tally.StatsReporter that writes every
// reported value as a debug log line.
func NewLogReporter(log *zap.Logger) tally.StatsReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &logReporter{log: log.Named("metrics")}
}

func (r *logReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.log.Debug("counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *logReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.log.Debug("gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *logReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.log.Debug("timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *logReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	r.log.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Float64("lower", bucketLowerBound),
		zap.Float64("upper", bucketUpperBound),
		zap.Int64("samples", samples))
}

func (r *logReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	r.log.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Duration("lower", bucketLowerBound),
		zap.Duration("upper", bucketUpperBound),
		zap.Int64("samples", samples))
}

func (r *logReporter) Capabilities() tally.Capabilities { return r }

func (r *logReporter) Reporting() bool { return true }

func (r *logReporter) Tagging() bool { return true }

func (r *logReporter) Flush() {}
