package network

import (
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/models"
)

// progressMeter throttles progress events for one transfer. Speed counts
// only bytes moved by this transfer, not a resumed prefix.
type progressMeter struct {
	clock clock.Clock
	sink  ProgressSink
	name  string
	mode  string

	// base is added to the per-file count; total is the displayed total.
	base  int64
	total int64
	// offset is where this transfer started within the file.
	offset int64

	start time.Time
	last  time.Time
}

func newProgressMeter(clk clock.Clock, sink ProgressSink, name, mode string, base, total, offset int64) *progressMeter {
	now := clk.Now()
	return &progressMeter{
		clock:  clk,
		sink:   sink,
		name:   name,
		mode:   mode,
		base:   base,
		total:  total,
		offset: offset,
		start:  now,
		last:   now,
	}
}

// update reports done bytes of the file. Events closer than
// ProgressInterval are dropped unless final is set.
func (m *progressMeter) update(done int64, final bool) {
	now := m.clock.Now()
	if !final && now.Sub(m.last) < ProgressInterval {
		return
	}
	m.last = now

	var speed float64
	if elapsed := now.Sub(m.start).Seconds(); elapsed > 0 {
		speed = float64(done-m.offset) / elapsed
	}

	current := m.base + done
	var eta time.Duration
	if remaining := m.total - current; remaining > 0 && speed > 0 {
		eta = secondsToDuration(float64(remaining) / speed)
	}

	m.sink.Progress(models.Progress{
		Name:    m.name,
		Current: current,
		Total:   m.total,
		Mode:    m.mode,
		Speed:   speed,
		ETA:     eta,
	})
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
