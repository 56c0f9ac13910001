package tp

// QueueSettings sizes the broker's inbound queue and sets the watermarks
// that drive the flow status we advertise.
type QueueSettings struct {
	Capacity      int
	LowWatermark  int
	HighWatermark int
}

func DefaultQueueSettings() QueueSettings {
	return QueueSettings{
		Capacity:      1024,
		LowWatermark:  716,
		HighWatermark: 921,
	}
}

// Validate enforces 0 <= low < high < capacity.
func (s QueueSettings) Validate() error {
	if s.LowWatermark < 0 {
		return invalidConfig("low watermark must not be negative, got %d", s.LowWatermark)
	}
	if s.LowWatermark >= s.HighWatermark {
		return invalidConfig("low watermark (%d) must be below high watermark (%d)", s.LowWatermark, s.HighWatermark)
	}
	if s.HighWatermark >= s.Capacity {
		return invalidConfig("high watermark (%d) must be below capacity (%d)", s.HighWatermark, s.Capacity)
	}
	return nil
}

// Watermark turns queue usage into a flow status with hysteresis: once
// usage exceeds the high watermark it reports Wait until usage falls back to
// the low watermark. A full queue reports Overflow.
//
// Not safe for concurrent use.
type Watermark struct {
	settings QueueSettings
	waiting  bool
}

func NewWatermark(settings QueueSettings) *Watermark {
	return &Watermark{settings: settings}
}

func (w *Watermark) Evaluate(usage int) FlowStatus {
	if usage >= w.settings.Capacity {
		w.waiting = true
		return FlowStatusOverflow
	}
	if w.waiting {
		if usage <= w.settings.LowWatermark {
			w.waiting = false
			return FlowStatusContinueToSend
		}
		return FlowStatusWait
	}
	if usage > w.settings.HighWatermark {
		w.waiting = true
		return FlowStatusWait
	}
	return FlowStatusContinueToSend
}
