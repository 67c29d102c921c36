package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atmobot/internal/netatmo"
	logx "atmobot/pkg/logx"
)

type moduleCursor struct {
	id           string
	deviceID     string
	types        []string
	setupAt      int64
	lastMeasured int64
	checkedAt    int64
}

// Update pulls new measurements for every module, oldest checked first.
//
// Modules checked less than minInterval ago are skipped. At most requestLimit
// API requests are made (<= 0 is unlimited). It returns true when the budget
// ran out while a module still had data to fetch and false once every module
// is caught up.
func (s *Store) Update(ctx context.Context, requestLimit int, minInterval time.Duration) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	mods, err := s.cursors(ctx)
	if err != nil {
		return false, err
	}

	now := s.now()
	requests := 0
	for _, m := range mods {
		if minInterval > 0 && m.checkedAt > 0 && now.Sub(time.Unix(m.checkedAt, 0)) < minInterval {
			continue
		}
		if len(m.types) == 0 {
			if err := s.markChecked(ctx, m.id, now); err != nil {
				return false, err
			}
			continue
		}
		for {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if requestLimit > 0 && requests >= requestLimit {
				s.log.Debug("request budget exhausted", logx.Int("requests", requests), logx.String("module", m.id))
				return true, nil
			}
			begin := m.lastMeasured + 1
			if m.lastMeasured == 0 {
				begin = m.setupAt
			}
			pts, err := s.api.Measure(ctx, netatmo.MeasureRequest{
				DeviceID:  m.deviceID,
				ModuleID:  m.id,
				Types:     m.types,
				DateBegin: unixOrZero(begin),
				Limit:     netatmo.MaxMeasureLimit,
			})
			requests++
			if err != nil {
				return false, fmt.Errorf("store: measure %s: %w", m.id, err)
			}
			last, err := s.insertPoints(ctx, m, pts)
			if err != nil {
				return false, err
			}
			advanced := last > m.lastMeasured
			if advanced {
				m.lastMeasured = last
			}
			if len(pts) < netatmo.MaxMeasureLimit || !advanced {
				if err := s.markChecked(ctx, m.id, now); err != nil {
					return false, err
				}
				s.log.Debug("module up to date",
					logx.String("module", m.id),
					logx.Time("last_measured", unixOrZero(m.lastMeasured)),
				)
				break
			}
		}
	}
	s.log.Debug("update finished", logx.Int("requests", requests), logx.Int("modules", len(mods)))
	return false, nil
}

func (s *Store) cursors(ctx context.Context) ([]moduleCursor, error) {
	q := `SELECT id, device_id, data_types, setup_at, last_measured, checked_at
	      FROM modules ORDER BY checked_at ASC, id ASC`
	s.logStatement(q, nil)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moduleCursor
	for rows.Next() {
		var (
			m     moduleCursor
			types string
		)
		if err := rows.Scan(&m.id, &m.deviceID, &types, &m.setupAt, &m.lastMeasured, &m.checkedAt); err != nil {
			return nil, err
		}
		m.types = splitTypes(types)
		out = append(out, m)
	}
	return out, rows.Err()
}

// insertPoints stores pts for module m and advances last_measured. It returns
// the newest stored timestamp, or 0 when pts is empty.
func (s *Store) insertPoints(ctx context.Context, m moduleCursor, pts []netatmo.MeasurePoint) (int64, error) {
	if len(pts) == 0 {
		return 0, nil
	}
	cols := make([]int, len(m.types))
	for i, t := range m.types {
		idx, ok := columnForAPI(t)
		if !ok {
			return 0, fmt.Errorf("store: unsupported data type %q", t)
		}
		cols[i] = idx
	}

	names := make([]string, 0, len(cols)+2)
	names = append(names, "module_id", "timestamp")
	for _, c := range cols {
		names = append(names, Columns[c].Name)
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	q := fmt.Sprintf(`INSERT OR REPLACE INTO measurements(%s) VALUES(%s)`, strings.Join(names, ", "), ph)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	s.logStatement(q, nil)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var last int64
	for _, p := range pts {
		args := make([]any, 0, len(names))
		args = append(args, m.id, p.Time.Unix())
		for i := range cols {
			var v any
			if i < len(p.Values) && p.Values[i] != nil {
				v = *p.Values[i]
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("store: insert measurement: %w", err)
		}
		s.logRow("measurements", logx.String("module", m.id), logx.Time("time", p.Time))
		if ts := p.Time.Unix(); ts > last {
			last = ts
		}
	}
	if _, err := s.exec(ctx, tx, `UPDATE modules SET last_measured = MAX(last_measured, ?) WHERE id = ?`, last, m.id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return last, nil
}

func (s *Store) markChecked(ctx context.Context, moduleID string, at time.Time) error {
	_, err := s.exec(ctx, s.db, `UPDATE modules SET checked_at = ? WHERE id = ?`, at.Unix(), moduleID)
	return err
}

func splitTypes(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
