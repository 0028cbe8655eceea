package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open: the pure-Go driver and the cgo one.
const (
	DriverPure = "sqlite"
	DriverCgo  = "sqlite3"
)

// Store wraps SQLite-backed persistence for runs and band groups.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure-Go driver.
func New(path string) (*Store, error) {
	return Open(DriverPure, path)
}

// Open opens the database with the named driver and ensures the schema.
func Open(driver, path string) (*Store, error) {
	if driver != DriverPure && driver != DriverCgo {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            summary_json TEXT,
            created_at INTEGER NOT NULL,
            completed_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS band_groups (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            base TEXT NOT NULL,
            status TEXT NOT NULL,
            output_path TEXT,
            verified BOOLEAN DEFAULT FALSE,
            duration_ms INTEGER,
            error_message TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS band_registrations (
            group_id INTEGER NOT NULL,
            band INTEGER NOT NULL,
            method TEXT NOT NULL,
            matrix TEXT,
            inlier_ratio REAL,
            inliers INTEGER,
            correspondences INTEGER,
            PRIMARY KEY (group_id, band)
        );`,
		`CREATE TABLE IF NOT EXISTS image_metadata (
            file_path TEXT PRIMARY KEY,
            camera_make TEXT,
            camera_model TEXT,
            focal_length REAL,
            aperture REAL,
            iso INTEGER,
            exposure_time TEXT,
            gps_lat REAL,
            gps_lon REAL,
            gps_alt REAL,
            gps_source TEXT,
            crs TEXT,
            timestamp TEXT,
            width INTEGER,
            height INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_band_groups_run ON band_groups(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_band_groups_base ON band_groups(base);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one batch invocation.
type RunRecord struct {
	ID          string
	Kind        string // multiband or dual
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// GroupRecord captures the outcome of one band group or image pair.
type GroupRecord struct {
	ID         int64
	RunID      string
	Base       string
	Status     string // succeeded, failed, incomplete, skipped
	OutputPath string
	Verified   bool
	Duration   time.Duration
	Error      string
	Bands      []BandRecord
}

// BandRecord is the transform chosen for one band.
type BandRecord struct {
	Band            int
	Method          string
	Matrix          string
	InlierRatio     float64
	Inliers         int
	Correspondences int
}

// ImageMetadata captures basic EXIF/GPS info.
type ImageMetadata struct {
	FilePath     string
	CameraMake   string
	CameraModel  string
	FocalLength  float64
	Aperture     float64
	ISO          int
	ExposureTime string
	GPSLat       float64
	GPSLon       float64
	GPSAlt       *float64
	GPSSource    string
	CRS          string
	Timestamp    string
	Width        int
	Height       int
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, kind, status, input_path, output_path, options_json, created_at) VALUES (?, ?, 'running', ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.CreatedAt.UnixMilli())
	return err
}

// RecordRunResult finalizes a run with status and summary.
func (s *Store) RecordRunResult(id string, status string, summary map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE runs SET status=?, completed_at=?, summary_json=?, error_message=? WHERE id=?;`,
		status, time.Now().UnixMilli(), string(summaryJSON), errMsg, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, status, input_path, output_path, options_json, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var input, output, opts, errorMsg sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &input, &output, &opts, &created, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, opts.String, errorMsg.String
		rec.CreatedAt = time.UnixMilli(created)
		if completed.Valid {
			t := time.UnixMilli(completed.Int64)
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunSummary fetches the summary blob of a finished run.
func (s *Store) RunSummary(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var summaryJSON sql.NullString
	err := s.DB.QueryRow(`SELECT summary_json FROM runs WHERE id=?;`, id).Scan(&summaryJSON)
	if err != nil {
		return nil, err
	}
	if !summaryJSON.Valid {
		return nil, fmt.Errorf("run %s has not finished", id)
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return summary, nil
}

// RecordGroup persists a group outcome and its per-band transforms in one
// transaction and returns the group id.
func (s *Store) RecordGroup(rec GroupRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO band_groups (run_id, base, status, output_path, verified, duration_ms, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Base, rec.Status, rec.OutputPath, rec.Verified, rec.Duration.Milliseconds(), rec.Error, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, b := range rec.Bands {
		if _, err := tx.Exec(`INSERT INTO band_registrations (group_id, band, method, matrix, inlier_ratio, inliers, correspondences) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			id, b.Band, b.Method, b.Matrix, b.InlierRatio, b.Inliers, b.Correspondences); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// GroupsForRun returns the groups of a run in insertion order, with bands.
func (s *Store) GroupsForRun(runID string) ([]GroupRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_id, base, status, output_path, verified, duration_ms, error_message FROM band_groups WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	var recs []GroupRecord
	for rows.Next() {
		var rec GroupRecord
		var output, errorMsg sql.NullString
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Base, &rec.Status, &output, &rec.Verified, &ms, &errorMsg); err != nil {
			rows.Close()
			return nil, err
		}
		rec.OutputPath, rec.Error = output.String, errorMsg.String
		rec.Duration = time.Duration(ms) * time.Millisecond
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		bands, err := s.bandsForGroup(recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i].Bands = bands
	}
	return recs, nil
}

func (s *Store) bandsForGroup(groupID int64) ([]BandRecord, error) {
	rows, err := s.DB.Query(`SELECT band, method, matrix, inlier_ratio, inliers, correspondences FROM band_registrations WHERE group_id=? ORDER BY band;`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BandRecord
	for rows.Next() {
		var b BandRecord
		var matrix sql.NullString
		if err := rows.Scan(&b.Band, &b.Method, &matrix, &b.InlierRatio, &b.Inliers, &b.Correspondences); err != nil {
			return nil, err
		}
		b.Matrix = matrix.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordImageMetadata stores EXIF/GPS details if available.
func (s *Store) RecordImageMetadata(meta ImageMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_metadata (file_path, camera_make, camera_model, focal_length, aperture, iso, exposure_time, gps_lat, gps_lon, gps_alt, gps_source, crs, timestamp, width, height)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.CameraMake, meta.CameraModel, meta.FocalLength, meta.Aperture, meta.ISO, meta.ExposureTime, meta.GPSLat, meta.GPSLon, meta.GPSAlt, meta.GPSSource, meta.CRS, meta.Timestamp, meta.Width, meta.Height)
	return err
}

// ImageMetadataFor loads a stored metadata row.
func (s *Store) ImageMetadataFor(path string) (ImageMetadata, error) {
	if s == nil {
		return ImageMetadata{}, errors.New("store not initialized")
	}
	var m ImageMetadata
	var alt sql.NullFloat64
	var make_, model, exposure, source, crs, ts sql.NullString
	err := s.DB.QueryRow(`SELECT file_path, camera_make, camera_model, focal_length, aperture, iso, exposure_time, gps_lat, gps_lon, gps_alt, gps_source, crs, timestamp, width, height FROM image_metadata WHERE file_path=?;`, path).
		Scan(&m.FilePath, &make_, &model, &m.FocalLength, &m.Aperture, &m.ISO, &exposure, &m.GPSLat, &m.GPSLon, &alt, &source, &crs, &ts, &m.Width, &m.Height)
	if err != nil {
		return m, err
	}
	m.CameraMake, m.CameraModel, m.ExposureTime = make_.String, model.String, exposure.String
	m.GPSSource, m.CRS, m.Timestamp = source.String, crs.String, ts.String
	if alt.Valid {
		v := alt.Float64
		m.GPSAlt = &v
	}
	return m, nil
}
