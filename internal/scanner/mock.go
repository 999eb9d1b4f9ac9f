package scanner

import (
	"math/rand"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
)

// MockScanner synthesizes Tilt advertisements for demo mode, so the whole
// pipeline runs without Bluetooth hardware. It simulates an active RED
// fermentation (gravity slowly falling) and a stable ORANGE batch, plus
// occasional non-Tilt noise records.
type MockScanner struct {
	events chan Advertisement
	done   chan struct{}

	interval time.Duration
}

// NewMockScanner creates a demo scanner emitting at the given cadence.
func NewMockScanner(interval time.Duration) *MockScanner {
	return &MockScanner{
		events:   make(chan Advertisement, 16),
		done:     make(chan struct{}),
		interval: interval,
	}
}

// Events returns the advertisement stream.
func (s *MockScanner) Events() <-chan Advertisement {
	return s.events
}

// Start begins emitting synthetic advertisements.
func (s *MockScanner) Start() error {
	go s.run()
	return nil
}

// Stop halts the emitter.
func (s *MockScanner) Stop() {
	close(s.done)
}

func (s *MockScanner) run() {
	redGravity := 1052
	orangeGravity := 1010

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		now := time.Now()

		// RED ferments: gravity drifts down a point every few emissions.
		if rand.Intn(4) == 0 && redGravity > 1008 {
			redGravity--
		}
		s.emit(tilt.Encode(tilt.Red, 68+rand.Intn(3), redGravity, -59), -62+rand.Intn(8), now)
		s.emit(tilt.Encode(tilt.Orange, 64, orangeGravity, -59), -75+rand.Intn(6), now)

		// Ambient non-Tilt traffic exercises the silent rejection path.
		if rand.Intn(2) == 0 {
			noise := make([]byte, 10+rand.Intn(20))
			for i := range noise {
				noise[i] = byte(rand.Intn(256))
			}
			s.emit(noise, -80, now)
		}
	}
}

func (s *MockScanner) emit(raw []byte, rssi int, at time.Time) {
	select {
	case s.events <- Advertisement{Raw: raw, RSSI: rssi, CapturedAt: at}:
	default:
	}
}
