package scanner

import (
	"fmt"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"tinygo.org/x/bluetooth"
)

// Advertisement is one raw manufacturer-data capture handed to the decode
// pipeline: opaque bytes plus signal strength and capture time.
type Advertisement struct {
	Raw        []byte
	RSSI       int
	CapturedAt time.Time
}

// Source supplies advertisement events. Implemented by BLEScanner for real
// hardware and MockScanner for demo mode.
type Source interface {
	Start() error
	Stop()
	Events() <-chan Advertisement
}

// BLEScanner listens for BLE advertisements and forwards every
// manufacturer-data record; filtering is the decoder's job.
type BLEScanner struct {
	adapter *bluetooth.Adapter
	events  chan Advertisement
	running bool
}

// NewBLEScanner creates a scanner on the default adapter.
func NewBLEScanner() *BLEScanner {
	return &BLEScanner{
		adapter: bluetooth.DefaultAdapter,
		events:  make(chan Advertisement, 64),
	}
}

// Events returns the advertisement stream.
func (s *BLEScanner) Events() <-chan Advertisement {
	return s.events
}

// Start begins scanning in a goroutine. Each manufacturer-data element is
// rebuilt into the on-air record layout (AD type, vendor ID, payload) that
// the decoder validates.
func (s *BLEScanner) Start() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w (try running with sudo or setcap cap_net_admin+ep)", err)
	}

	s.running = true
	go func() {
		_ = s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !s.running {
				return
			}
			now := time.Now()
			for _, mfr := range result.ManufacturerData() {
				raw := make([]byte, 0, tilt.RecordLength)
				raw = append(raw, 0xFF, byte(mfr.CompanyID), byte(mfr.CompanyID>>8))
				raw = append(raw, mfr.Data...)
				// Some stacks strip the trailing octet of the fixed
				// record; restore the canonical length.
				for len(raw) < tilt.RecordLength {
					raw = append(raw, 0x00)
				}

				select {
				case s.events <- Advertisement{Raw: raw, RSSI: int(result.RSSI), CapturedAt: now}:
				default:
					// Producer never blocks; ambient traffic is lossy anyway.
				}
			}
		})
	}()

	return nil
}

// Stop halts scanning.
func (s *BLEScanner) Stop() {
	s.running = false
	_ = s.adapter.StopScan()
}
