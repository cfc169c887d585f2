package analytics

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gps-telemetry-monitor/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed sensor_codes.yaml
var embeddedCodes []byte

// Raw sensor codes read directly by the engine
const (
	CodeTotalOdometer  = "16"
	CodeGSMSignal      = "21"
	CodeBatteryVoltage = "67"
	CodeGNSSStatus     = "69"
	CodeIgnition       = "239"
	CodeMovement       = "240"
)

// Semantic names the dashboard rolls up
const (
	NameTotalOdometer  = "totalOdometer"
	NameBatteryVoltage = "batteryVoltage"
	NameGSMSignal      = "gsmSignal"
	NameGNSSStatus     = "gnssStatus"
)

// CodeTable maps raw sensor codes to semantic names, and names to display units.
// A table is read-only once built and safe for concurrent use.
type CodeTable struct {
	names map[string]string
	units map[string]string
}

// CodeEntry is one row of a CodeTable listing
type CodeEntry struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

type codeTableFile struct {
	Codes map[string]string `yaml:"codes"`
	Units map[string]string `yaml:"units"`
}

var defaultCodes = mustParseCodeTable(embeddedCodes)

// DefaultCodeTable returns the table shipped with the binary
func DefaultCodeTable() *CodeTable {
	return defaultCodes
}

// ParseCodeTable builds a table from its YAML representation
func ParseCodeTable(data []byte) (*CodeTable, error) {
	var f codeTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sensor code table: %w", err)
	}
	if len(f.Codes) == 0 {
		return nil, fmt.Errorf("sensor code table has no codes")
	}

	seen := make(map[string]string, len(f.Codes))
	for code, name := range f.Codes {
		if name == "" {
			return nil, fmt.Errorf("sensor code %s has an empty name", code)
		}
		if other, ok := seen[name]; ok {
			return nil, fmt.Errorf("sensor name %s is mapped by codes %s and %s", name, other, code)
		}
		seen[name] = code
	}

	t := &CodeTable{
		names: make(map[string]string, len(f.Codes)),
		units: make(map[string]string, len(f.Units)),
	}
	for code, name := range f.Codes {
		t.names[code] = name
	}
	for name, unit := range f.Units {
		t.units[name] = unit
	}
	return t, nil
}

// LoadCodeTable reads a YAML code table from disk
func LoadCodeTable(path string) (*CodeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensor code table: %w", err)
	}
	return ParseCodeTable(data)
}

func mustParseCodeTable(data []byte) *CodeTable {
	t, err := ParseCodeTable(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the semantic name registered for a raw code
func (t *CodeTable) Name(code string) (string, bool) {
	name, ok := t.names[code]
	return name, ok
}

// Unit returns the display unit of a semantic name, or "" when none is registered
func (t *CodeTable) Unit(name string) string {
	return t.units[name]
}

// Decode translates one record's raw readings into named values with units.
// Codes missing from the table are dropped.
func (t *CodeTable) Decode(io models.IOData) map[string]models.ValueWithUnit {
	result := make(map[string]models.ValueWithUnit, len(io))
	for code, value := range io {
		name, ok := t.names[code]
		if !ok {
			continue
		}
		result[name] = models.ValueWithUnit{Value: value, Unit: t.units[name]}
	}
	return result
}

// Entries lists the table ordered by numeric code
func (t *CodeTable) Entries() []CodeEntry {
	entries := make([]CodeEntry, 0, len(t.names))
	for code, name := range t.names {
		entries = append(entries, CodeEntry{Code: code, Name: name, Unit: t.units[name]})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, errA := strconv.Atoi(entries[i].Code)
		b, errB := strconv.Atoi(entries[j].Code)
		if errA == nil && errB == nil {
			return a < b
		}
		return entries[i].Code < entries[j].Code
	})
	return entries
}

// DecodeIOData decodes readings with the default table
func DecodeIOData(io models.IOData) map[string]models.ValueWithUnit {
	return defaultCodes.Decode(io)
}

func tableOrDefault(t *CodeTable) *CodeTable {
	if t == nil {
		return defaultCodes
	}
	return t
}
