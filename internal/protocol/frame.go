// Package protocol implements the Solarman logger framing used by Sofar
// K-TLX inverters behind LSW-3/LSE sticks: a fixed 36-byte request frame
// wrapping a Modbus read, and decoding of the register payload the logger
// sends back.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/M-Klemm/sofar2PVO/internal/registers"
	"github.com/sigurn/crc16"
)

// Frame markers and layout constants.
const (
	FrameStartMarker = 0xA5 // logger start code
	FrameEndMarker   = 0x15 // logger end code

	// RequestFrameLength is the total size of a register read request.
	RequestFrameLength = 36

	// responseDataOffset is where register data begins in a response:
	// the logger header and Modbus echo occupy the first 28 bytes.
	responseDataOffset = 28

	// ResponseSlack is the header overhead added to the register count to
	// obtain the number of response bytes worth waiting for.
	ResponseSlack = 15
)

// Fixed request frame fields.
const (
	frameDataLength = 0x0017 // little-endian at bytes 1-2
	controlCode     = 0x4510 // little-endian at bytes 3-4

	modbusAddress      = 0x00
	modbusFunctionRead = 0x03
)

// sendDataField is the constant 15-byte block at bytes 11-25 of a request.
var sendDataField = [15]byte{0x02}

// CRC16 algorithm parameters (CRC-16/MODBUS).
const (
	crcPolynomial = 0xA001
	crcInitial    = 0xFFFF
)

// Codec builds request frames and decodes response payloads against a
// register map. It is stateless apart from the precomputed CRC table and
// safe for concurrent use.
type Codec struct {
	crcTable *crc16.Table
}

// NewCodec creates a frame codec instance.
func NewCodec() *Codec {
	table := crc16.MakeTable(crc16.Params{
		Poly:   crcPolynomial,
		Init:   crcInitial,
		RefIn:  true,
		RefOut: true,
		XorOut: 0,
	})

	return &Codec{crcTable: table}
}

// SerialBytes encodes a logger serial number the way the frame carries it:
// as a 32-bit value with the low byte first.
func SerialBytes(serial uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], serial)
	return b
}

// FrameChecksum computes the additive checksum of a request frame: the sum
// of bytes 1 through 33 modulo 256. The start marker, the checksum slot and
// the end marker are excluded.
func FrameChecksum(frame []byte) byte {
	var sum int
	for i := 1; i <= 33 && i < len(frame); i++ {
		sum += int(frame[i])
	}
	return byte(sum & 0xFF)
}

// CRC computes the CRC-16/MODBUS of the given bytes.
func (c *Codec) CRC(data []byte) uint16 {
	return crc16.Checksum(data, c.crcTable)
}

// BuildReadRequest constructs the 36-byte register read request for a
// register range. The layout is fixed by the logger protocol; a single
// misplaced byte makes the device ignore the request, so every computed
// piece routes through a named helper.
func (c *Codec) BuildReadRequest(rng *registers.RegisterRange, serial uint32) ([]byte, error) {
	if rng == nil {
		return nil, fmt.Errorf("register range is nil")
	}
	if rng.End < rng.Start {
		return nil, fmt.Errorf("register range %s: end 0x%04X before start 0x%04X", rng.Name, rng.End, rng.Start)
	}

	frame := make([]byte, RequestFrameLength)
	frame[0] = FrameStartMarker
	binary.LittleEndian.PutUint16(frame[1:3], frameDataLength)
	binary.LittleEndian.PutUint16(frame[3:5], controlCode)
	// bytes 5-6: frame serial, always zero for requests

	sn := SerialBytes(serial)
	copy(frame[7:11], sn[:])
	copy(frame[11:26], sendDataField[:])

	// Modbus business field: address, function, start register, count.
	frame[26] = modbusAddress
	frame[27] = modbusFunctionRead
	binary.BigEndian.PutUint16(frame[28:30], rng.Start)
	binary.BigEndian.PutUint16(frame[30:32], rng.Count())

	// CRC of the business field, low byte first.
	crc := c.CRC(frame[26:32])
	frame[32] = byte(crc & 0xFF)
	frame[33] = byte(crc >> 8)

	frame[34] = FrameChecksum(frame)
	frame[35] = FrameEndMarker

	return frame, nil
}

// ExpectedResponseLength returns the number of bytes worth accumulating for
// a range before decoding; anything beyond it is ignored.
func ExpectedResponseLength(rng *registers.RegisterRange) int {
	return int(rng.Count()) + ResponseSlack
}

// DecodeRangeData extracts field values from a raw response payload. It is
// total over any byte sequence: a truncated payload ends the scan early,
// addresses absent from the register map and unknown value types are
// skipped. The result simply carries fewer fields when data is short.
func (c *Codec) DecodeRangeData(raw []byte, rng *registers.RegisterRange) map[string]float64 {
	values := make(map[string]float64)

	for idx := uint16(0); idx < rng.Count(); idx++ {
		pos := responseDataOffset + int(idx)*2
		if pos+2 > len(raw) {
			break
		}
		def, ok := rng.Field(rng.Start + idx)
		if !ok {
			// reserved or unused register
			continue
		}

		var val float64
		switch def.ValueType {
		case registers.TypeU16:
			val = float64(binary.BigEndian.Uint16(raw[pos : pos+2]))
		case registers.TypeI16:
			val = float64(int16(binary.BigEndian.Uint16(raw[pos : pos+2])))
		case registers.TypeU32:
			if pos+4 > len(raw) {
				continue
			}
			val = float64(binary.BigEndian.Uint32(raw[pos : pos+4]))
		case registers.TypeI32:
			if pos+4 > len(raw) {
				continue
			}
			val = float64(int32(binary.BigEndian.Uint32(raw[pos : pos+4])))
		default:
			continue
		}

		values[def.Name] = val * def.Factor
	}

	return values
}
