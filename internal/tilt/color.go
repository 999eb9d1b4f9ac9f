package tilt

import (
	"fmt"
	"strings"
)

// Color identifies one of the eight Tilt hydrometer variants. Each color
// broadcasts a fixed 16-byte identifier; the mapping is static and total.
type Color int

const (
	Red Color = iota
	Green
	Black
	Purple
	Orange
	Blue
	Yellow
	Pink
)

func (c Color) String() string {
	switch c {
	case Red:
		return "RED"
	case Green:
		return "GREEN"
	case Black:
		return "BLACK"
	case Purple:
		return "PURPLE"
	case Orange:
		return "ORANGE"
	case Blue:
		return "BLUE"
	case Yellow:
		return "YELLOW"
	case Pink:
		return "PINK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// ParseColor resolves a color name (any case) to its Color value.
func ParseColor(s string) (Color, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, c := range Colors() {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown tilt color %q", s)
}

// Colors returns all eight colors in identifier order.
func Colors() []Color {
	return []Color{Red, Green, Black, Purple, Orange, Blue, Yellow, Pink}
}

// colorIdentifiers maps each color to its advertised identifier, hex encoded.
// See https://tilthydrometer.com - the second byte encodes the color.
var colorIdentifiers = map[Color]string{
	Red:    "A495BB10C5B14B44B5121370F02D74DE",
	Green:  "A495BB20C5B14B44B5121370F02D74DE",
	Black:  "A495BB30C5B14B44B5121370F02D74DE",
	Purple: "A495BB40C5B14B44B5121370F02D74DE",
	Orange: "A495BB50C5B14B44B5121370F02D74DE",
	Blue:   "A495BB60C5B14B44B5121370F02D74DE",
	Yellow: "A495BB70C5B14B44B5121370F02D74DE",
	Pink:   "A495BB80C5B14B44B5121370F02D74DE",
}

var identifierColors = func() map[string]Color {
	m := make(map[string]Color, len(colorIdentifiers))
	for c, id := range colorIdentifiers {
		m[id] = c
	}
	return m
}()

// Identifier returns the hex-encoded 16-byte identifier for a color.
func (c Color) Identifier() string {
	return colorIdentifiers[c]
}
