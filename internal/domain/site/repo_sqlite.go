package site

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trialsites/trialsites/internal/geo"
)

type repoSQLite struct{ db *sqlx.DB }

// NewRepoSQLite returns a Repository over a database opened by
// internal/platform/sqlite.Open.
func NewRepoSQLite(db *sqlx.DB) Repository {
	return &repoSQLite{db: db}
}

type siteRow struct {
	ID         string   `db:"id"`
	StudyID    string   `db:"study_id"`
	Facility   *string  `db:"facility"`
	City       string   `db:"city"`
	State      string   `db:"state"`
	PostalCode *string  `db:"postal_code"`
	Latitude   *float64 `db:"latitude"`
	Longitude  *float64 `db:"longitude"`
	Status     string   `db:"status"`
}

func (r siteRow) toSite() (Site, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Site{}, fmt.Errorf("site id %q: %w", r.ID, err)
	}
	return assembleSite(id, r.StudyID, r.Facility, r.City, r.State, r.PostalCode, r.Latitude, r.Longitude, r.Status), nil
}

type candidateRow struct {
	siteRow
	Title      string `db:"title"`
	Conditions string `db:"conditions"`
	Phase      string `db:"phase"`
	Sex        string `db:"sex"`
}

const siteColsSQLite = `s.id, s.study_id, s.facility, s.city, s.state, s.postal_code,
	s.latitude, s.longitude, s.status`

func (r *repoSQLite) FindSites(ctx context.Context, q Query) ([]Candidate, error) {
	suppressed := suppressedValues()
	query := `SELECT ` + siteColsSQLite + `, st.title, st.conditions, st.phase, st.sex
		FROM sites s JOIN studies st ON st.study_id = s.study_id
		WHERE s.status NOT IN (?` + strings.Repeat(", ?", len(suppressed)-1) + `)`
	var args []interface{}
	for _, v := range suppressed {
		args = append(args, v)
	}

	if strings.TrimSpace(q.Text) != "" {
		query += ` AND (lower(st.title) LIKE ? ESCAPE '\' OR lower(st.conditions) LIKE ? ESCAPE '\')`
		p := likePattern(q.Text)
		args = append(args, p, p)
	}
	if q.Box != nil {
		query += ` AND s.latitude BETWEEN ? AND ?`
		args = append(args, q.Box.MinLat, q.Box.MaxLat)
		lo, hi, wraps := longitudeRange(*q.Box)
		if wraps {
			query += ` AND (s.longitude >= ? OR s.longitude <= ?)`
		} else {
			query += ` AND s.longitude BETWEEN ? AND ?`
		}
		args = append(args, lo, hi)
	}
	if q.Near != nil {
		// Longitude difference is taken the short way round the antimeridian.
		dlon := `(min(abs(s.longitude - ?), 360 - abs(s.longitude - ?)) * ?)`
		query += ` ORDER BY (s.latitude - ?) * (s.latitude - ?) + ` + dlon + ` * ` + dlon + `, s.study_id, s.id`
		scale := lonScale(*q.Near)
		args = append(args, q.Near.Lat, q.Near.Lat,
			q.Near.Lon, q.Near.Lon, scale, q.Near.Lon, q.Near.Lon, scale)
	} else {
		query += ` ORDER BY s.study_id, s.id`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find sites: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSite()
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Site: s,
			Study: Study{
				StudyID:    s.StudyID,
				Title:      row.Title,
				Conditions: row.Conditions,
				Phase:      row.Phase,
				Sex:        row.Sex,
			},
		})
	}
	return out, nil
}

func (r *repoSQLite) selectSites(ctx context.Context, query string, args ...interface{}) ([]Site, error) {
	var rows []siteRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Site, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSite()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *repoSQLite) ListByStudy(ctx context.Context, studyID string) ([]Site, error) {
	out, err := r.selectSites(ctx,
		`SELECT `+siteColsSQLite+` FROM sites s WHERE s.study_id = ? ORDER BY s.city, s.state, s.facility, s.id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return out, nil
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Site, error) {
	var row siteRow
	err := r.db.GetContext(ctx, &row, `SELECT `+siteColsSQLite+` FROM sites s WHERE s.id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := row.toSite()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoSQLite) ListMissingCoordinates(ctx context.Context, limit int) ([]Site, error) {
	out, err := r.selectSites(ctx, `SELECT `+siteColsSQLite+` FROM sites s
		WHERE (s.latitude IS NULL OR s.longitude IS NULL) AND s.postal_code IS NOT NULL
		ORDER BY s.id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sites missing coordinates: %w", err)
	}
	return out, nil
}

func (r *repoSQLite) UpdateCoordinates(ctx context.Context, id uuid.UUID, p geo.Point) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sites SET latitude = ?, longitude = ? WHERE id = ?`, p.Lat, p.Lon, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoSQLite) SaveStudy(ctx context.Context, st *Study) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO studies (study_id, title, conditions, phase, sex)
		VALUES (:study_id, :title, :conditions, :phase, :sex)
		ON CONFLICT (study_id) DO UPDATE SET title = excluded.title,
			conditions = excluded.conditions, phase = excluded.phase, sex = excluded.sex`, st)
	return err
}

func (r *repoSQLite) CreateSite(ctx context.Context, s *Site) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusUnknown
	}
	lat, lon := coordinateColumns(s.Coordinates)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, study_id, facility, city, state, postal_code, latitude, longitude, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.StudyID, s.Facility, s.City, s.State, s.PostalCode, lat, lon, string(s.Status))
	return err
}
