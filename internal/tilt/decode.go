package tilt

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// The Tilt broadcasts an Apple iBeacon manufacturer record with a fixed
// 27-octet layout:
//
//	[0]     manufacturer-specific-data AD type (0xFF)
//	[1:3]   vendor ID 0x004C, little-endian on the wire
//	[3]     beacon type (0x02)
//	[4]     beacon data length (0x15)
//	[5:21]  16-byte color identifier
//	[21:23] big-endian u16, temperature in F
//	[23:25] big-endian u16, specific gravity x1000
//	[25]    tx power
//	[26]    reserved
const (
	RecordLength = 27

	adTypeManufacturerData = 0xFF
	vendorIDLow            = 0x4C
	vendorIDHigh           = 0x00
	beaconType             = 0x02
	beaconDataLength       = 0x15
)

// Decode rejection reasons. All three are expected at high frequency from
// ambient BLE traffic and must stay cheap and silent.
var (
	ErrMalformedLength = errors.New("advertisement is not 27 octets")
	ErrNotABeacon      = errors.New("advertisement is not a vendor beacon record")
	ErrUnknownDevice   = errors.New("beacon identifier is not a known tilt color")
)

// Decode validates a raw advertisement record and extracts the reading.
// It is a pure function: no state, no side effects, first failure wins.
func Decode(raw []byte, rssi int, capturedAt time.Time) (DecodedReading, error) {
	if len(raw) != RecordLength {
		return DecodedReading{}, ErrMalformedLength
	}
	if raw[0] != adTypeManufacturerData ||
		raw[1] != vendorIDLow || raw[2] != vendorIDHigh ||
		raw[3] != beaconType || raw[4] != beaconDataLength {
		return DecodedReading{}, ErrNotABeacon
	}

	id := strings.ToUpper(hex.EncodeToString(raw[5:21]))
	color, ok := identifierColors[id]
	if !ok {
		return DecodedReading{}, ErrUnknownDevice
	}

	return DecodedReading{
		Color:      color,
		RawTempF:   int(binary.BigEndian.Uint16(raw[21:23])),
		RawGravity: float64(binary.BigEndian.Uint16(raw[23:25])) / 1000.0,
		RSSI:       rssi,
		CapturedAt: capturedAt,
	}, nil
}

// Encode builds the advertisement record for a color and reading. It is the
// inverse of Decode on the decodable fields and backs the mock scanner.
func Encode(color Color, tempF int, gravityX1000 int, txPower int8) []byte {
	raw := make([]byte, RecordLength)
	raw[0] = adTypeManufacturerData
	raw[1] = vendorIDLow
	raw[2] = vendorIDHigh
	raw[3] = beaconType
	raw[4] = beaconDataLength

	id, _ := hex.DecodeString(colorIdentifiers[color])
	copy(raw[5:21], id)

	binary.BigEndian.PutUint16(raw[21:23], uint16(tempF))
	binary.BigEndian.PutUint16(raw[23:25], uint16(gravityX1000))
	raw[25] = byte(txPower)
	return raw
}
