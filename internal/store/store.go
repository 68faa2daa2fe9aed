// Package store keeps received telemetry in SQLite table SENSORS,
// one row per sample. Row layout is shared with existing dashboards:
// DATE_TIME unix seconds, DATA_TYPE code, VALUE.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/log2"
	_ "modernc.org/sqlite"
)

type DataType int

const (
	TypeUndefined DataType = iota
	TypeBatteryCapacity
	TypeBatteryVoltage
	TypeAdjustedVoltage
	TypeAvgTemperature
	// zone N is TypeTemperatureSensor+N
	TypeTemperatureSensor
)

func ZoneType(index int) DataType { return TypeTemperatureSensor + DataType(index) }

func (t DataType) String() string {
	switch {
	case t == TypeBatteryCapacity:
		return "battery_capacity"
	case t == TypeBatteryVoltage:
		return "battery_voltage"
	case t == TypeAdjustedVoltage:
		return "adjusted_voltage"
	case t == TypeAvgTemperature:
		return "avg_temperature"
	case t >= TypeTemperatureSensor:
		return fmt.Sprintf("zone_%d_temperature", t-TypeTemperatureSensor)
	}
	return "undefined"
}

type Sample struct {
	Time  time.Time
	Type  DataType
	Value float64
}

func (s Sample) String() string {
	return fmt.Sprintf("%s %s=%.2f", s.Time.Format(time.RFC3339), s.Type.String(), s.Value)
}

const schema = `create table if not exists SENSORS (
	DATE_TIME integer not null,
	DATA_TYPE integer not null,
	VALUE     real
)`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

type Store struct {
	db   *sql.DB
	log  *log2.Log
	path string
}

// Open creates database file and table when missing.
func Open(ctx context.Context, log *log2.Log, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotatef(err, "sqlite open path=%s", path)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range pragmas {
		if _, err = db.ExecContext(ctx, p); err != nil {
			log.Errorf("sqlite path=%s %s err=%v", path, p, err)
		}
	}
	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "sqlite create table path=%s", path)
	}
	log.Debugf("sqlite ready path=%s", path)
	return &Store{db: db, log: log, path: path}, nil
}

func (self *Store) Insert(ctx context.Context, s Sample) error {
	if s.Type == TypeUndefined {
		return errors.NotValidf("sample type=undefined")
	}
	_, err := self.db.ExecContext(ctx,
		`insert into SENSORS(DATE_TIME, DATA_TYPE, VALUE) values(?, ?, ?)`,
		s.Time.Unix(), int(s.Type), s.Value)
	return errors.Annotatef(err, "sqlite insert path=%s sample=%s", self.path, s.String())
}

// Since returns samples at or after t, oldest first.
func (self *Store) Since(ctx context.Context, t time.Time) ([]Sample, error) {
	rows, err := self.db.QueryContext(ctx,
		`select DATE_TIME, DATA_TYPE, VALUE from SENSORS where DATE_TIME >= ? order by DATE_TIME, rowid`,
		t.Unix())
	if err != nil {
		return nil, errors.Annotatef(err, "sqlite query path=%s", self.path)
	}
	defer rows.Close()

	result := make([]Sample, 0, 64)
	for rows.Next() {
		var unix int64
		var typ int
		var value sql.NullFloat64
		if err = rows.Scan(&unix, &typ, &value); err != nil {
			return nil, errors.Annotatef(err, "sqlite scan path=%s", self.path)
		}
		result = append(result, Sample{Time: time.Unix(unix, 0), Type: DataType(typ), Value: value.Float64})
	}
	return result, errors.Annotatef(rows.Err(), "sqlite query path=%s", self.path)
}

func (self *Store) Close() error {
	return errors.Annotatef(self.db.Close(), "sqlite close path=%s", self.path)
}
