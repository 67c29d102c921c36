package chart

import (
	"context"
	"fmt"
	"math"
	"time"

	"atmobot/internal/weather/store"
)

// Reader is the read side of the telemetry store.
type Reader interface {
	Devices(ctx context.Context) ([]store.Device, error)
	Measurements(ctx context.Context, moduleID string, from, to time.Time) ([]store.Measurement, error)
}

// Point is one timestamp. Values follow the requested fields; NaN is missing.
type Point struct {
	Time   time.Time
	Values []float64
}

// ModuleSeries is the data of one module.
type ModuleSeries struct {
	Device store.Device
	Module store.Module
	Points []Point
}

// Series collects one series per module matching source within tr.
// Timestamps are in the device timezone.
func Series(ctx context.Context, r Reader, source DataSource, fields []Field, tr TimeRange) ([]ModuleSeries, error) {
	devs, err := r.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("chart: devices: %w", err)
	}
	var out []ModuleSeries
	for _, d := range devs {
		if !source.Device.Matches(d.ID, d.StationName) {
			continue
		}
		loc := d.Location()
		for _, m := range d.Modules {
			if !source.Module.Matches(m.ID, m.Name) {
				continue
			}
			rows, err := r.Measurements(ctx, m.ID, tr.Origin, tr.Destination())
			if err != nil {
				return nil, fmt.Errorf("chart: measurements %s: %w", m.ID, err)
			}
			s := ModuleSeries{Device: d, Module: m, Points: make([]Point, 0, len(rows))}
			for _, row := range rows {
				p := Point{Time: row.Time.In(loc), Values: make([]float64, len(fields))}
				for i, f := range fields {
					v, ok := row.Value(string(f))
					if !ok {
						v = math.NaN()
					}
					p.Values[i] = v
				}
				s.Points = append(s.Points, p)
			}
			out = append(out, s)
		}
	}
	return out, nil
}
