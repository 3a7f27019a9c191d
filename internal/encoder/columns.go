package encoder

import "fmt"

// Stable custom-column names the destination device's catalog must carry,
// grounded on spec.md's §4.9 naming and original_source/kentik-api's
// Device.customs catalog shape.
const (
	colApplLatencyMS = "APPL_LATENCY_MS"
	colAppProtocol   = "APP_PROTOCOL"
	colInt00         = "INT00"
	colInt01         = "INT01"
	colInt02         = "INT02"
	colStr00         = "STR00"
	colStr01         = "STR01"
	colStr02         = "STR02"
	colStr03         = "STR03"
	colStr04         = "STR04"
	colStr05         = "STR05"
	colStr06         = "STR06"
	colStr07         = "STR07"
	colStr08         = "STR08"
	colStr09         = "STR09"
	colStr10         = "STR10"
	colStr11         = "STR11"
	colStr12         = "STR12"
	colStr13         = "STR13"
	colStr14         = "STR14"
	colStr15         = "STR15"
	colStr16         = "STR16"
	colStr17         = "STR17"
	colStr18         = "STR18"
	colStr19         = "STR19"
	colStr20         = "STR20"
	colStr21         = "STR21"
)

// appProtoTraffic/appProtoProcess are the APP_PROTOCOL tag values spec.md
// §4.9 defines for the two record kinds this encoder emits.
const (
	appProtoTraffic = 1
	appProtoProcess = 4
)

// columnLookup resolves a device's custom-column catalog by name, a
// constructor for the device.Column function so tests can stub it.
type columnLookup func(name string) (id uint64, ok bool)

// columns is the resolved set of numeric ids an encode call needs. Resolved
// once per Encoder (not per record): a missing name is a hard,
// configuration-time error per spec.md §4.9.
type columns struct {
	applLatencyMS uint64
	appProtocol   uint64
	int00, int01, int02 uint64
	str [22]uint64 // STR00..STR21
}

func resolveColumns(lookup columnLookup) (columns, error) {
	var c columns
	var err error

	resolve := func(name string) uint64 {
		id, ok := lookup(name)
		if !ok && err == nil {
			err = fmt.Errorf("encoder: destination device is missing required custom column %q", name)
		}
		return id
	}

	c.applLatencyMS = resolve(colApplLatencyMS)
	c.appProtocol = resolve(colAppProtocol)
	c.int00 = resolve(colInt00)
	c.int01 = resolve(colInt01)
	c.int02 = resolve(colInt02)

	names := [22]string{
		colStr00, colStr01, colStr02, colStr03, colStr04, colStr05, colStr06,
		colStr07, colStr08, colStr09, colStr10, colStr11, colStr12, colStr13,
		colStr14, colStr15, colStr16, colStr17, colStr18, colStr19, colStr20,
		colStr21,
	}
	for i, name := range names {
		c.str[i] = resolve(name)
	}

	if err != nil {
		return columns{}, err
	}
	return c, nil
}
