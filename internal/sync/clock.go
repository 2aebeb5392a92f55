// ABOUTME: Clock synchronization with drift compensation
// ABOUTME: Estimates server-client offset from time-sync round trips
package sync

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Quality grades the sync estimate.
type Quality int

const (
	QualityLost Quality = iota
	QualityDegraded
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// ClockSync tracks both the offset and the drift rate between the server
// clock and the local clock, so playout times stay accurate between sync
// rounds even when the two crystals run at slightly different speeds.
type ClockSync struct {
	log *logrus.Entry

	mu             sync.RWMutex
	offset         int64   // server minus local, microseconds
	drift          float64 // offset change per local microsecond
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64
	sampleCount    int
	smoothingRate  float64
}

// NewClockSync creates an estimator with no samples yet.
func NewClockSync() *ClockSync {
	return &ClockSync{
		log:           logrus.WithField("component", "clocksync"),
		smoothingRate: 0.1,
		quality:       QualityLost,
	}
}

// ProcessSyncResponse folds one round trip into the estimate. The four
// timestamps are microseconds: t1 local transmit, t2 server receive,
// t3 server transmit, t4 local receive.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt := (t4 - t1) - (t3 - t2)
	measured := ((t2 - t1) + (t3 - t4)) / 2

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.lastSync = time.Now()

	// High RTT means congestion; the offset estimate would be noisy.
	if rtt > 100000 {
		cs.log.WithField("rtt_us", rtt).Debug("Discarding sync sample: high RTT")
		return
	}

	switch cs.sampleCount {
	case 0:
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		cs.log.WithFields(logrus.Fields{"offset_us": cs.offset, "rtt_us": rtt}).Debug("Initial sync")
		return
	case 1:
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		return
	}

	dt := float64(t4 - cs.lastSyncMicros)
	if dt <= 0 {
		cs.log.Debug("Discarding sync sample: non-monotonic time")
		return
	}

	predicted := cs.offset + int64(cs.drift*dt)
	residual := measured - predicted

	cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
	cs.drift += cs.smoothingRate * float64(residual) / dt
	cs.lastSyncMicros = t4
	cs.sampleCount++
	cs.quality = QualityGood
}

// Offset returns the current server-minus-local offset, extrapolated
// along the drift estimate.
func (cs *ClockSync) Offset() time.Duration {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	offset := cs.offset
	if cs.sampleCount >= 2 {
		dt := float64(time.Now().UnixMicro() - cs.lastSyncMicros)
		offset += int64(cs.drift * dt)
	}
	return time.Duration(offset) * time.Microsecond
}

// ServerToLocalTime converts a server-clock microsecond timestamp into
// local time.
func (cs *ClockSync) ServerToLocalTime(serverMicros int64) time.Time {
	return time.UnixMicro(serverMicros - int64(cs.Offset()/time.Microsecond))
}

// GetStats returns the latest RTT and the estimate quality. Quality
// degrades when no sample landed recently.
func (cs *ClockSync) GetStats() (rttMicros int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	q := cs.quality
	if q == QualityGood && time.Since(cs.lastSync) > 10*time.Second {
		q = QualityDegraded
	}
	return cs.rtt, q
}
