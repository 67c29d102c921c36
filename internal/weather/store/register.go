package store

import (
	"context"
	"fmt"
	"strings"

	"atmobot/internal/netatmo"
	logx "atmobot/pkg/logx"
)

// RegisterDevices fetches the station list and upserts devices and their
// modules. The main station is stored as a module of itself. Measurement
// progress of already known modules is kept.
func (s *Store) RegisterDevices(ctx context.Context, includeFavorites bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	devs, err := s.api.StationsData(ctx, includeFavorites)
	if err != nil {
		return fmt.Errorf("store: register devices: %w", err)
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	nDevices, nModules := 0, 0
	for _, d := range devs {
		if d.Favorite && !includeFavorites {
			continue
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO devices(id, station_name, name, type, timezone, favorite, registered_at)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   station_name=excluded.station_name, name=excluded.name, type=excluded.type,
			   timezone=excluded.timezone, favorite=excluded.favorite`,
			d.ID, d.StationName, d.ModuleName, d.Type, d.Place.Timezone, d.Favorite, now,
		)
		if err != nil {
			return fmt.Errorf("store: upsert device %s: %w", d.ID, err)
		}
		s.logRow("devices", logx.String("id", d.ID), logx.String("station", d.StationName))
		nDevices++

		main := netatmo.Module{ID: d.ID, Type: d.Type, ModuleName: d.ModuleName, DataType: d.DataType, DateSetup: d.DateSetup}
		for _, m := range append([]netatmo.Module{main}, d.Modules...) {
			if err := s.upsertModule(ctx, tx, d.ID, m); err != nil {
				return err
			}
			nModules++
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if nDevices == 0 {
		s.log.Warn("no devices registered", logx.Bool("favorites", includeFavorites))
		return nil
	}
	s.log.Info("devices registered",
		logx.Int("devices", nDevices),
		logx.Int("modules", nModules),
		logx.Bool("favorites", includeFavorites),
	)
	return nil
}

func (s *Store) upsertModule(ctx context.Context, tx execer, deviceID string, m netatmo.Module) error {
	types := make([]string, 0, len(m.DataType))
	for _, t := range m.DataType {
		if i, ok := columnForAPI(t); ok {
			types = append(types, Columns[i].API)
		}
	}
	_, err := s.exec(ctx, tx,
		`INSERT INTO modules(id, device_id, name, type, data_types, setup_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   device_id=excluded.device_id, name=excluded.name, type=excluded.type,
		   data_types=excluded.data_types, setup_at=excluded.setup_at`,
		m.ID, deviceID, m.ModuleName, m.Type, strings.Join(types, ","), m.DateSetup,
	)
	if err != nil {
		return fmt.Errorf("store: upsert module %s: %w", m.ID, err)
	}
	s.logRow("modules", logx.String("id", m.ID), logx.String("types", strings.Join(types, ",")))
	return nil
}
