// Package registers provides loading and lookup of inverter register map
// definitions. A register map describes the named register ranges a device
// exposes and how the raw register words inside each range translate to
// engineering values.
package registers

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed maps/*.json
var embeddedMaps embed.FS

// Value types supported by field definitions.
const (
	TypeU16 = "u16"
	TypeU32 = "u32"
	TypeI16 = "i16"
	TypeI32 = "i32"
)

// FieldDef describes how a single register (or register pair) is decoded.
type FieldDef struct {
	Name      string
	ValueType string
	Factor    float64
}

// Width returns the number of payload bytes the field occupies.
func (f FieldDef) Width() int {
	switch f.ValueType {
	case TypeU32, TypeI32:
		return 4
	default:
		return 2
	}
}

// RegisterRange is a contiguous block of registers requested in one
// protocol exchange, with decoding rules keyed by absolute address.
type RegisterRange struct {
	Name   string
	Start  uint16
	End    uint16
	fields map[string]FieldDef
}

// NewRange constructs a register range programmatically, keyed by absolute
// register address. Mostly useful for tests and tooling; production maps
// come from documents.
func NewRange(name string, start, end uint16, fields map[uint16]FieldDef) *RegisterRange {
	rng := &RegisterRange{
		Name:   name,
		Start:  start,
		End:    end,
		fields: make(map[string]FieldDef, len(fields)),
	}
	for addr, def := range fields {
		rng.fields[AddressKey(addr)] = def
	}
	return rng
}

// Count returns the number of registers in the range.
func (r *RegisterRange) Count() uint16 {
	return r.End - r.Start + 1
}

// Field looks up the field definition for an absolute register address.
func (r *RegisterRange) Field(addr uint16) (FieldDef, bool) {
	def, ok := r.fields[AddressKey(addr)]
	return def, ok
}

// FieldNames returns the output names of all defined fields in the range.
func (r *RegisterRange) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for _, def := range r.fields {
		names = append(names, def.Name)
	}
	return names
}

// AddressKey formats an absolute register address the way register map
// documents key their field definitions ("0x0584").
func AddressKey(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}

// Map is an immutable set of named register ranges, loaded once at startup
// and shared read-only by all polls.
type Map struct {
	ranges map[string]*RegisterRange
	logger zerolog.Logger
}

// Range returns the named register range.
func (m *Map) Range(name string) (*RegisterRange, bool) {
	r, ok := m.ranges[name]
	return r, ok
}

// RangeNames returns the names of all loaded ranges.
func (m *Map) RangeNames() []string {
	names := make([]string, 0, len(m.ranges))
	for name := range m.ranges {
		names = append(names, name)
	}
	return names
}

// Len returns the number of loaded ranges.
func (m *Map) Len() int {
	return len(m.ranges)
}

// rawRange is the document form of a register range: two address literals
// plus field definitions keyed by hex address string.
type rawField struct {
	Name      string      `json:"name" yaml:"name"`
	ValueType string      `json:"valueType" yaml:"valueType"`
	Factor    interface{} `json:"factor" yaml:"factor"`
}

// LoadDefault loads the embedded Sofar K-TLX register map.
func LoadDefault() (*Map, error) {
	data, err := embeddedMaps.ReadFile("maps/sofar_ktlx.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded register map: %w", err)
	}
	return parseDocument(data, false)
}

// LoadFile loads a register map from a JSON or YAML document on disk.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	isYAML := ext == ".yaml" || ext == ".yml"
	m, err := parseDocument(data, isYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse register map %s: %w", path, err)
	}
	return m, nil
}

// parseDocument decodes a register map document. Ranges with malformed or
// missing start/end addresses are logged and skipped; they do not abort the
// remaining ranges.
func parseDocument(data []byte, isYAML bool) (*Map, error) {
	var doc map[string]map[string]interface{}
	if isYAML {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML document: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON document: %w", err)
		}
	}

	logger := log.With().Str("component", "registers").Logger()
	m := &Map{
		ranges: make(map[string]*RegisterRange, len(doc)),
		logger: logger,
	}

	for name, body := range doc {
		rng, err := parseRange(name, body, logger)
		if err != nil {
			logger.Error().Err(err).Str("range", name).Msg("Skipping invalid register range")
			continue
		}
		m.ranges[name] = rng
	}

	if len(m.ranges) == 0 {
		return nil, fmt.Errorf("register map contains no usable ranges")
	}
	return m, nil
}

// parseRange decodes one named range body.
func parseRange(name string, body map[string]interface{}, logger zerolog.Logger) (*RegisterRange, error) {
	startRaw, okStart := body["registerStart"]
	endRaw, okEnd := body["registerEnd"]
	if !okStart || !okEnd {
		return nil, fmt.Errorf("range definition does not contain start and/or end register")
	}

	start, err := parseAddress(startRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid registerStart: %w", err)
	}
	end, err := parseAddress(endRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid registerEnd: %w", err)
	}
	if end < start {
		return nil, fmt.Errorf("registerEnd 0x%04X before registerStart 0x%04X", end, start)
	}

	rng := &RegisterRange{
		Name:   name,
		Start:  start,
		End:    end,
		fields: make(map[string]FieldDef),
	}

	for key, value := range body {
		if key == "registerStart" || key == "registerEnd" {
			continue
		}
		addr, err := parseAddressString(key)
		if err != nil {
			logger.Warn().Str("range", name).Str("key", key).Msg("Ignoring non-address key in range definition")
			continue
		}
		def, err := parseField(value)
		if err != nil {
			logger.Warn().Err(err).Str("range", name).Str("address", key).Msg("Ignoring invalid field definition")
			continue
		}
		rng.fields[AddressKey(addr)] = def
	}

	return rng, nil
}

// parseField converts a document field definition into a FieldDef. A
// missing or unparsable factor falls back to 1.0, matching the protocol
// documents in the wild which mix numeric and string factors.
func parseField(value interface{}) (FieldDef, error) {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return FieldDef{}, fmt.Errorf("field definition is not an object")
	}

	var rf rawField
	if name, ok := raw["name"].(string); ok {
		rf.Name = name
	}
	if vt, ok := raw["valueType"].(string); ok {
		rf.ValueType = vt
	}
	rf.Factor = raw["factor"]

	if rf.Name == "" || strings.TrimSpace(rf.Name) == "" {
		return FieldDef{}, fmt.Errorf("field definition has no name")
	}

	return FieldDef{
		Name:      rf.Name,
		ValueType: rf.ValueType,
		Factor:    coerceFactor(rf.Factor),
	}, nil
}

// coerceFactor converts a document factor value to float64, defaulting to 1.
func coerceFactor(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	case int64:
		return float64(f)
	case json.Number:
		parsed, err := f.Float64()
		if err != nil {
			return 1
		}
		return parsed
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 1
		}
		return parsed
	default:
		return 1
	}
}

// parseAddress accepts a register address as a radix-prefixed string
// literal ("0x0584") or a plain number, as documents use both.
func parseAddress(v interface{}) (uint16, error) {
	switch a := v.(type) {
	case string:
		return parseAddressString(a)
	case float64:
		return uint16(a), nil
	case int:
		return uint16(a), nil
	default:
		return 0, fmt.Errorf("unsupported address literal %v", v)
	}
}

// parseAddressString parses a radix-prefixed integer literal.
func parseAddressString(s string) (uint16, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(addr), nil
}
