package profile

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const profileColumns = `id, name, version, height_m, pitch_deg, optics_json, roi_json, fit_json,
	health_status, distance_reliable, health_reason, created_at_unix_ms`

// SQLiteStore persists profiles in a single SQLite file. Rows are only ever
// inserted.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenSQLite(cfg config.DatabaseConfig, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	if err := migrateUp(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Mount profile store ready", zap.String("path", cfg.Path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func dsn(cfg config.DatabaseConfig) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, sep, busy.Milliseconds())
}

func migrateUp(db *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	// m is not closed: that would close db as well.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if version, dirty, err := m.Version(); err == nil {
		logger.Debug("Schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, p *MountProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	optics, err := json.Marshal(p.Optics)
	if err != nil {
		return err
	}
	roi, err := json.Marshal(p.ROI)
	if err != nil {
		return err
	}
	var fit sql.NullString
	if p.Fit != nil {
		raw, err := json.Marshal(p.Fit)
		if err != nil {
			return err
		}
		fit = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM mount_profiles WHERE name = ?`, p.Name).Scan(&version)
	if err != nil {
		return fmt.Errorf("next version for %s: %w", p.Name, err)
	}

	p.RefreshHealth()
	id := uuid.NewString()
	created := time.Now()

	_, err = tx.ExecContext(ctx, `INSERT INTO mount_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, version, p.HeightM, p.PitchDeg, string(optics), string(roi), fit,
		string(p.Health.Status), p.Health.DistanceReliable, p.Health.Reason, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert %s v%d: %w", p.Name, version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.ID = id
	p.Version = version
	p.CreatedAt = time.UnixMilli(created.UnixMilli())
	s.logger.Info("Mount profile saved",
		zap.String("name", p.Name),
		zap.Int("version", version),
		zap.String("health", string(p.Health.Status)))
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, name string) (*MountProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM mount_profiles
		WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, name string) ([]MountProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM mount_profiles
		WHERE name = ? ORDER BY version ASC`, name)
	if err != nil {
		return nil, err
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]MountProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM mount_profiles p
		WHERE version = (SELECT MAX(version) FROM mount_profiles WHERE name = p.name)
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: "sqlite"}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT name), COUNT(*) FROM mount_profiles`).Scan(&stats.Profiles, &stats.Versions)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*MountProfile, error) {
	var (
		p                  MountProfile
		optics, roi        string
		fit                sql.NullString
		status, reason     string
		reliable           bool
		createdAtUnixMilli int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.HeightM, &p.PitchDeg, &optics, &roi, &fit,
		&status, &reliable, &reason, &createdAtUnixMilli); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(optics), &p.Optics); err != nil {
		return nil, fmt.Errorf("decode optics of %s v%d: %w", p.Name, p.Version, err)
	}
	if err := json.Unmarshal([]byte(roi), &p.ROI); err != nil {
		return nil, fmt.Errorf("decode roi of %s v%d: %w", p.Name, p.Version, err)
	}
	if fit.Valid {
		p.Fit = &calibration.FitResult{}
		if err := json.Unmarshal([]byte(fit.String), p.Fit); err != nil {
			return nil, fmt.Errorf("decode fit of %s v%d: %w", p.Name, p.Version, err)
		}
	}
	p.CreatedAt = time.UnixMilli(createdAtUnixMilli)

	// Stored health columns are informational only.
	p.RefreshHealth()
	return &p, nil
}

func collect(rows *sql.Rows) ([]MountProfile, error) {
	defer rows.Close()
	var out []MountProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
