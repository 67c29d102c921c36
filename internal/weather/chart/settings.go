package chart

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Field is a plottable quantity. Its value is the store column name.
type Field string

const (
	FieldTemperature  Field = "temperature"
	FieldHumidity     Field = "humidity"
	FieldPressure     Field = "pressure"
	FieldCO2          Field = "co2"
	FieldNoise        Field = "noise"
	FieldRain         Field = "rain"
	FieldWindStrength Field = "wind_strength"
	FieldWindAngle    Field = "wind_angle"
	FieldGustStrength Field = "gust_strength"
	FieldGustAngle    Field = "gust_angle"
)

var fieldUnits = map[Field]string{
	FieldTemperature:  "°C",
	FieldHumidity:     "%",
	FieldPressure:     "hPa",
	FieldCO2:          "ppm",
	FieldNoise:        "dB",
	FieldRain:         "mm",
	FieldWindStrength: "km/h",
	FieldWindAngle:    "°",
	FieldGustStrength: "km/h",
	FieldGustAngle:    "°",
}

func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := fieldUnits[f]; !ok {
		return "", fmt.Errorf("chart: unknown field %q", s)
	}
	return f, nil
}

func (f *Field) UnmarshalText(b []byte) error {
	v, err := ParseField(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Unit returns the display unit of f.
func (f Field) Unit() string { return fieldUnits[f] }

// DeviceSpecifier selects devices or modules by id and/or name. Empty parts
// match anything.
type DeviceSpecifier struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (d DeviceSpecifier) IsEffective() bool { return d.ID != "" || d.Name != "" }

func (d DeviceSpecifier) Matches(id, name string) bool {
	return (d.ID == "" || d.ID == id) && (d.Name == "" || d.Name == name)
}

// DataSource narrows series to a device and a module.
type DataSource struct {
	Device DeviceSpecifier `json:"device"`
	Module DeviceSpecifier `json:"module"`
}

// Override returns s with the effective parts of other applied. Selecting
// another device resets the module selection.
func (s DataSource) Override(other DataSource) DataSource {
	out := s
	if other.Device.IsEffective() {
		out.Device = other.Device
		out.Module = DeviceSpecifier{}
	}
	if other.Module.IsEffective() {
		out.Module = other.Module
	}
	return out
}

// TimeRange is the half-open interval [Origin, Origin+Period).
type TimeRange struct {
	Origin time.Time
	Period time.Duration
}

func (r TimeRange) Destination() time.Time { return r.Origin.Add(r.Period) }

func (r TimeRange) Location() *time.Location { return r.Origin.Location() }

func (r TimeRange) Shifted(d time.Duration) TimeRange {
	return TimeRange{Origin: r.Origin.Add(d), Period: r.Period}
}

// FileFormat is the encoded image type.
type FileFormat string

const (
	FormatPNG FileFormat = "png"
	FormatJPG FileFormat = "jpg"
	FormatPDF FileFormat = "pdf"
	FormatSVG FileFormat = "svg"
)

func ParseFileFormat(s string) (FileFormat, error) {
	switch f := FileFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPNG, nil
	case "jpeg":
		return FormatJPG, nil
	case FormatPNG, FormatJPG, FormatPDF, FormatSVG:
		return f, nil
	default:
		return "", fmt.Errorf("chart: unknown image format %q", s)
	}
}

// IsImage reports whether the format is a raster image a chat shows inline.
func (f FileFormat) IsImage() bool { return f == FormatPNG || f == FormatJPG }

// FigureFormat describes the output image. Sizes are in inches.
type FigureFormat struct {
	Width   float64
	Height  float64
	DPI     float64
	Format  FileFormat
	Rows    int
	Columns int
}

func (f FigureFormat) withDefaults() FigureFormat {
	if f.Width <= 0 {
		f.Width = 6.4
	}
	if f.Height <= 0 {
		f.Height = 4.8
	}
	if f.DPI <= 0 {
		f.DPI = 100
	}
	if f.Format == "" {
		f.Format = FormatPNG
	}
	if f.Rows <= 0 {
		f.Rows = 1
	}
	if f.Columns <= 0 {
		f.Columns = 1
	}
	return f
}

// XAxisMode selects the calendar unit of major ticks.
type XAxisMode string

const (
	XAxisYear  XAxisMode = "year"
	XAxisMonth XAxisMode = "month"
	XAxisDay   XAxisMode = "day"
	XAxisHour  XAxisMode = "hour"
	XAxisAuto  XAxisMode = "auto"
)

func ParseXAxisMode(s string) (XAxisMode, error) {
	switch m := XAxisMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return XAxisAuto, nil
	case XAxisYear, XAxisMonth, XAxisDay, XAxisHour, XAxisAuto:
		return m, nil
	default:
		return "", fmt.Errorf("chart: unknown x axis mode %q", s)
	}
}

type XAxisSetting struct {
	Mode XAxisMode
	// MinorTicks enables ticks one calendar unit below Mode.
	MinorTicks bool
	// MinorTickValues restricts minor ticks to these unit values (e.g. hours
	// 0, 6, 12, 18). Empty means every unit.
	MinorTickValues []int
}

// ValueSetting is one line group in a subplot.
type ValueSetting struct {
	Field  Field
	Source DataSource
	Label  string
	// TimeShift reads data from a shifted range and plots it over the
	// unshifted one, e.g. -24h overlays yesterday.
	TimeShift time.Duration
}

// PlotSetting is one subplot. Position counts from 1, row by row.
type PlotSetting struct {
	Position  int
	Title     string
	TimeRange TimeRange
	XAxis     XAxisSetting
	Values    []ValueSetting
}

// Figure is a complete chart.
type Figure struct {
	Title  string
	Format FigureFormat
	Source DataSource
	Plots  []PlotSetting
}

func (f Figure) Validate() error {
	format := f.Format.withDefaults()
	cells := format.Rows * format.Columns
	if len(f.Plots) == 0 {
		return errors.New("chart: no plots")
	}
	for i, p := range f.Plots {
		if p.Position < 1 || p.Position > cells {
			return fmt.Errorf("chart: plots[%d]: position %d outside 1..%d", i, p.Position, cells)
		}
		if p.TimeRange.Period <= 0 {
			return fmt.Errorf("chart: plots[%d]: period must be positive", i)
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("chart: plots[%d]: no values", i)
		}
		for j, v := range p.Values {
			if _, ok := fieldUnits[v.Field]; !ok {
				return fmt.Errorf("chart: plots[%d].values[%d]: unknown field %q", i, j, v.Field)
			}
		}
	}
	return nil
}
