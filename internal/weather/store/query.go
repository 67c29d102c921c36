package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Devices returns every registered device with its modules.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := `SELECT id, station_name, name, type, timezone, favorite, registered_at FROM devices ORDER BY station_name, id`
	s.logStatement(q, nil)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	var devs []Device
	index := map[string]int{}
	for rows.Next() {
		var (
			d   Device
			reg int64
		)
		if err := rows.Scan(&d.ID, &d.StationName, &d.Name, &d.Type, &d.Timezone, &d.Favorite, &reg); err != nil {
			rows.Close()
			return nil, err
		}
		d.Registered = unixOrZero(reg)
		index[d.ID] = len(devs)
		devs = append(devs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q = `SELECT id, device_id, name, type, data_types, last_measured, checked_at FROM modules ORDER BY device_id, id`
	s.logStatement(q, nil)
	rows, err = s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                 Module
			types             string
			measured, checked int64
		)
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.Name, &m.Type, &types, &measured, &checked); err != nil {
			return nil, err
		}
		m.DataTypes = splitTypes(types)
		m.LastMeasured, m.CheckedAt = unixOrZero(measured), unixOrZero(checked)
		if i, ok := index[m.DeviceID]; ok {
			devs[i].Modules = append(devs[i].Modules, m)
		}
	}
	return devs, rows.Err()
}

var selectMeasurement = func() string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return "SELECT module_id, timestamp, " + strings.Join(names, ", ") + " FROM measurements"
}()

// Measurements returns rows of moduleID in [from, to), oldest first. A zero
// bound is open.
func (s *Store) Measurements(ctx context.Context, moduleID string, from, to time.Time) ([]Measurement, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := selectMeasurement + ` WHERE module_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp`
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}
	s.logStatement(q, []any{moduleID, lo, hi})
	rows, err := s.db.QueryContext(ctx, q, moduleID, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Latest returns the newest row of moduleID. ok is false when none exists.
func (s *Store) Latest(ctx context.Context, moduleID string) (m Measurement, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return Measurement{}, false, err
	}
	q := selectMeasurement + ` WHERE module_id = ? ORDER BY timestamp DESC LIMIT 1`
	s.logStatement(q, []any{moduleID})
	m, err = scanMeasurement(s.db.QueryRowContext(ctx, q, moduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return Measurement{}, false, nil
	}
	if err != nil {
		return Measurement{}, false, err
	}
	return m, true, nil
}

// Count returns the number of stored rows per module.
func (s *Store) Count(ctx context.Context) (map[string]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT module_id, COUNT(*) FROM measurements GROUP BY module_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(sc scanner) (Measurement, error) {
	var (
		m   Measurement
		ts  int64
		raw = make([]sql.NullFloat64, len(Columns))
	)
	dest := make([]any, 0, len(Columns)+2)
	dest = append(dest, &m.ModuleID, &ts)
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Measurement{}, err
		}
		return Measurement{}, fmt.Errorf("store: scan measurement: %w", err)
	}
	m.Time = time.Unix(ts, 0).UTC()
	m.Values = make([]*float64, len(Columns))
	for i, v := range raw {
		if v.Valid {
			f := v.Float64
			m.Values[i] = &f
		}
	}
	return m, nil
}
