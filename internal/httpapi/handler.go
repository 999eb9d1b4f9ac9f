package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/config"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/registry"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/uploader"
	"go.uber.org/zap"
)

// Handler serves the read-side query interface as JSON for rendering and
// export collaborators. It only reads registry snapshots; it never drives
// device state.
type Handler struct {
	reg   *registry.Registry
	queue *uploader.Queue
	log   *zap.SugaredLogger
}

// NewHandler creates the API handler.
func NewHandler(reg *registry.Registry, queue *uploader.Queue, log *zap.SugaredLogger) *Handler {
	return &Handler{reg: reg, queue: queue, log: log}
}

// BuildMux wires the API routes.
func (h *Handler) BuildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", h.handleStatus)
	mux.HandleFunc("GET /api/tilt/{color}", h.handleCurrentState)
	mux.HandleFunc("GET /api/tilt/{color}/history", h.handleHistory)
	return mux
}

type stateResponse struct {
	Color        string  `json:"color"`
	Temperature  float64 `json:"temperature"`
	TemperatureC float64 `json:"temperature_c"`
	Gravity      float64 `json:"gravity"`
	RSSI         int     `json:"rssi"`
	Timestamp    string  `json:"timestamp"`
	Trend        string  `json:"trend"`
	Status       string  `json:"status"`
	OutOfRange   bool    `json:"out_of_range,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := h.reg.States()
	counters := h.reg.Counters()

	online := 0
	for _, st := range states {
		if st.Online {
			online++
		}
	}

	pending := 0
	if h.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if entries, err := h.queue.Pending(ctx); err == nil {
			pending = len(entries)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":              len(states),
		"online":               online,
		"pending_uploads":      pending,
		"out_of_order_dropped": counters.OutOfOrderDropped,
		"out_of_range_flagged": counters.OutOfRangeFlagged,
	})
}

func (h *Handler) handleCurrentState(w http.ResponseWriter, r *http.Request) {
	color, err := tilt.ParseColor(r.PathValue("color"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown tilt color")
		return
	}

	state, ok := h.reg.Snapshot(color)
	if !ok {
		writeError(w, http.StatusNotFound, "tilt device not seen")
		return
	}

	status := "online"
	if !state.Online {
		status = "offline"
	}

	writeJSON(w, http.StatusOK, stateResponse{
		Color:        state.Color.String(),
		Temperature:  state.Reading.TempF,
		TemperatureC: state.Reading.TempC(),
		Gravity:      state.Reading.Gravity,
		RSSI:         state.Reading.RSSI,
		Timestamp:    state.LastSeen.Format(time.RFC3339),
		Trend:        state.Trend.String(),
		Status:       status,
		OutOfRange:   state.Reading.GravityOutOfRange,
	})
}

type historyPoint struct {
	Timestamp string  `json:"timestamp"`
	TempF     float64 `json:"temperature"`
	Gravity   float64 `json:"gravity"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	color, err := tilt.ParseColor(r.PathValue("color"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown tilt color")
		return
	}

	window := config.ShortRetention
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}

	entries := h.reg.HistorySlice(color, window)
	points := make([]historyPoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, historyPoint{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			TempF:     e.TempF,
			Gravity:   e.Gravity,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"color":   color.String(),
		"window":  window.String(),
		"history": points,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
