package backpack

import (
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/protocol"
)

// Sample is a reading kept in the client history.
type Sample struct {
	Time      time.Time
	Kind      EventKind // EventSensorReadings or EventProcessedValues
	Sensor    protocol.SensorReadings
	Processed protocol.ProcessedValues
}

// history keeps the most recent readings. The buffer is safe for concurrent
// use, so it can be drained from outside the client's logical thread.
type history struct {
	buf    mpmc.RichOverlappedRingBuffer[Sample]
	logger *logrus.Logger
}

func newHistory(size uint32, logger *logrus.Logger) *history {
	return &history{
		buf:    mpmc.NewOverlappedRingBuffer[Sample](size),
		logger: logger,
	}
}

func (h *history) record(ev Event) {
	s := Sample{Time: ev.Time, Kind: ev.Kind, Sensor: ev.Sensor, Processed: ev.Processed}
	overwrites, err := h.buf.EnqueueM(s)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to record sample")
		return
	}
	if overwrites > 0 {
		h.logger.WithField("overwritten", overwrites).Debug("History full, oldest samples dropped")
	}
}

func (h *history) drain() []Sample {
	var out []Sample
	for !h.buf.IsEmpty() {
		s, err := h.buf.Dequeue()
		if err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}
