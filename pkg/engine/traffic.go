package engine

import (
	"fmt"
	"time"

	"github.com/cuemby/sentinel/pkg/config"
)

// TrafficSource reports cumulative tunnel byte counters
type TrafficSource interface {
	TrafficTotals() (upload, download int64, err error)
}

// stallDetector tracks upload-only periods. Callers serialise access.
type stallDetector struct {
	cfg config.Traffic

	primed     bool
	lastUp     int64
	lastDown   int64
	stallStart time.Time
}

// stall describes a confirmed upload-only period
type stall struct {
	upload   int64
	download int64
	lasted   time.Duration
}

func (s stall) reason() string {
	return fmt.Sprintf("traffic_stall up=%d down=%d lasted=%s", s.upload, s.download, s.lasted)
}

// observe feeds cumulative counters and returns a stall once upload
// without matching download has persisted for StallDuration
func (d *stallDetector) observe(now time.Time, up, down int64) (stall, bool) {
	if !d.primed || up < d.lastUp || down < d.lastDown {
		// first sample or counters restarted
		d.primed = true
		d.lastUp, d.lastDown = up, down
		d.stallStart = time.Time{}
		return stall{}, false
	}

	deltaUp := up - d.lastUp
	deltaDown := down - d.lastDown
	d.lastUp, d.lastDown = up, down

	uploadOnly := deltaUp > d.cfg.MinUploadBytes &&
		float64(deltaDown) <= float64(deltaUp)*d.cfg.DownloadRatio
	if !uploadOnly {
		d.stallStart = time.Time{}
		return stall{}, false
	}

	if d.stallStart.IsZero() {
		d.stallStart = now
		return stall{}, false
	}
	lasted := now.Sub(d.stallStart)
	if lasted < d.cfg.StallDuration {
		return stall{}, false
	}
	d.stallStart = time.Time{}
	return stall{upload: deltaUp, download: deltaDown, lasted: lasted}, true
}

func (d *stallDetector) reset() {
	d.primed = false
	d.stallStart = time.Time{}
}
