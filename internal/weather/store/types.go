package store

import (
	"strings"
	"time"
)

// Column maps an API data type to its measurements column.
type Column struct {
	API  string
	Name string
}

// Columns lists every stored quantity in table order.
var Columns = []Column{
	{"Temperature", "temperature"},
	{"Humidity", "humidity"},
	{"Pressure", "pressure"},
	{"CO2", "co2"},
	{"Noise", "noise"},
	{"Rain", "rain"},
	{"WindStrength", "wind_strength"},
	{"WindAngle", "wind_angle"},
	{"GustStrength", "gust_strength"},
	{"GustAngle", "gust_angle"},
}

func columnForAPI(apiType string) (int, bool) {
	for i, c := range Columns {
		if strings.EqualFold(c.API, apiType) {
			return i, true
		}
	}
	return 0, false
}

// ColumnIndex returns the position of a column name in Columns.
func ColumnIndex(name string) (int, bool) {
	for i, c := range Columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

type Device struct {
	ID          string    `json:"id"`
	StationName string    `json:"station_name"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Timezone    string    `json:"timezone"`
	Favorite    bool      `json:"favorite"`
	Modules     []Module  `json:"modules"`
	Registered  time.Time `json:"registered"`
}

// Location returns the device timezone, or UTC when unknown.
func (d Device) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Module struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	DataTypes    []string  `json:"data_types"`
	LastMeasured time.Time `json:"last_measured,omitzero"`
	CheckedAt    time.Time `json:"checked_at,omitzero"`
}

// Measurement is one stored row. Values follow Columns; nil is missing.
type Measurement struct {
	ModuleID string     `json:"module_id"`
	Time     time.Time  `json:"time"`
	Values   []*float64 `json:"values"`
}

// Value returns the value of a column by name.
func (m Measurement) Value(column string) (float64, bool) {
	i, ok := ColumnIndex(column)
	if !ok || i >= len(m.Values) || m.Values[i] == nil {
		return 0, false
	}
	return *m.Values[i], true
}
