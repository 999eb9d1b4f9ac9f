package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"go.uber.org/zap"
)

// Offset is the additive correction for one color, determined by comparing
// raw readings against a known reference (e.g. water at a measured temp).
type Offset struct {
	TempF   float64 `json:"temp_offset"`
	Gravity float64 `json:"gravity_offset"`
}

// Store holds per-color calibration offsets with JSON file persistence.
// The file maps color name to offset pair; absent colors default to zero
// and partial files are valid.
type Store struct {
	mu      sync.RWMutex
	path    string
	offsets map[string]Offset
	log     *zap.SugaredLogger
}

// NewStore loads calibration from path. A missing or corrupt file falls
// back to all-zero offsets rather than failing startup.
func NewStore(path string, log *zap.SugaredLogger) *Store {
	s := &Store{
		path:    path,
		offsets: make(map[string]Offset),
		log:     log,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("calibration file unreadable, using zero offsets", "path", path, "error", err)
		}
		return s
	}

	if err := json.Unmarshal(data, &s.offsets); err != nil {
		log.Warnw("calibration file corrupt, using zero offsets", "path", path, "error", err)
		s.offsets = make(map[string]Offset)
	}
	return s
}

// Get returns the offset for a color, zero if never calibrated.
func (s *Store) Get(c tilt.Color) Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[c.String()]
}

// Set stores an offset and persists the file synchronously.
func (s *Store) Set(c tilt.Color, o Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[c.String()] = o
	return s.save()
}

// All returns a copy of every stored offset keyed by color name.
func (s *Store) All() map[string]Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Offset, len(s.offsets))
	for k, v := range s.offsets {
		out[k] = v
	}
	return out
}

// Apply corrects a decoded reading with the color's stored offsets and
// flags values outside the device's physical range.
func (s *Store) Apply(d tilt.DecodedReading) tilt.CalibratedReading {
	o := s.Get(d.Color)

	r := tilt.CalibratedReading{
		Color:      d.Color,
		TempF:      float64(d.RawTempF) + o.TempF,
		Gravity:    d.RawGravity + o.Gravity,
		RSSI:       d.RSSI,
		CapturedAt: d.CapturedAt,
	}
	r.GravityOutOfRange = r.Gravity < tilt.GravityMin || r.Gravity > tilt.GravityMax
	r.TempImplausible = r.TempF < tilt.TempPlausibleMinF || r.TempF > tilt.TempPlausibleMaxF
	return r
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.offsets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create calibration directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return nil
}
