package site

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const siteColsPG = `s.id, s.study_id, s.facility, s.city, s.state, s.postal_code,
	s.latitude, s.longitude, s.status`

func scanSitePG(row pgx.Row, extra ...interface{}) (Site, error) {
	var (
		id                uuid.UUID
		studyID           string
		facility, postal  *string
		city, state, stat string
		lat, lon          *float64
	)
	dest := append([]interface{}{&id, &studyID, &facility, &city, &state, &postal, &lat, &lon, &stat}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Site{}, err
	}
	return assembleSite(id, studyID, facility, city, state, postal, lat, lon, stat), nil
}

func (r *repoPG) FindSites(ctx context.Context, q Query) ([]Candidate, error) {
	query := `SELECT ` + siteColsPG + `, st.title, st.conditions, st.phase, st.sex
		FROM sites s JOIN studies st ON st.study_id = s.study_id
		WHERE s.status <> ALL($1)`
	args := []interface{}{suppressedValues()}
	idx := 2

	if strings.TrimSpace(q.Text) != "" {
		query += fmt.Sprintf(` AND (st.title ILIKE $%d OR st.conditions ILIKE $%d)`, idx, idx)
		args = append(args, likePattern(q.Text))
		idx++
	}
	if q.Box != nil {
		query += fmt.Sprintf(` AND s.latitude BETWEEN $%d AND $%d`, idx, idx+1)
		args = append(args, q.Box.MinLat, q.Box.MaxLat)
		idx += 2
		lo, hi, wraps := longitudeRange(*q.Box)
		if wraps {
			query += fmt.Sprintf(` AND (s.longitude >= $%d OR s.longitude <= $%d)`, idx, idx+1)
		} else {
			query += fmt.Sprintf(` AND s.longitude BETWEEN $%d AND $%d`, idx, idx+1)
		}
		args = append(args, lo, hi)
		idx += 2
	}
	if q.Near != nil {
		query += fmt.Sprintf(` ORDER BY (s.latitude - $%d)^2 + (LEAST(abs(s.longitude - $%d), 360 - abs(s.longitude - $%d)) * $%d)^2, s.study_id, s.id`,
			idx, idx+1, idx+1, idx+2)
		args = append(args, q.Near.Lat, q.Near.Lon, lonScale(*q.Near))
		idx += 3
	} else {
		query += ` ORDER BY s.study_id, s.id`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, q.Limit)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find sites: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		site, err := scanSitePG(rows, &c.Study.Title, &c.Study.Conditions, &c.Study.Phase, &c.Study.Sex)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		c.Site = site
		c.Study.StudyID = site.StudyID
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) ListByStudy(ctx context.Context, studyID string) ([]Site, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+siteColsPG+` FROM sites s WHERE s.study_id = $1 ORDER BY s.city, s.state, s.facility, s.id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	var out []Site
	for rows.Next() {
		s, err := scanSitePG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Site, error) {
	s, err := scanSitePG(r.conn(ctx).QueryRow(ctx, `SELECT `+siteColsPG+` FROM sites s WHERE s.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) ListMissingCoordinates(ctx context.Context, limit int) ([]Site, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+siteColsPG+` FROM sites s
		WHERE (s.latitude IS NULL OR s.longitude IS NULL) AND s.postal_code IS NOT NULL
		ORDER BY s.id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sites missing coordinates: %w", err)
	}
	defer rows.Close()
	var out []Site
	for rows.Next() {
		s, err := scanSitePG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateCoordinates(ctx context.Context, id uuid.UUID, p geo.Point) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE sites SET latitude = $2, longitude = $3 WHERE id = $1`, id, p.Lat, p.Lon)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SaveStudy(ctx context.Context, st *Study) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO studies (study_id, title, conditions, phase, sex)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (study_id) DO UPDATE SET title = EXCLUDED.title,
			conditions = EXCLUDED.conditions, phase = EXCLUDED.phase, sex = EXCLUDED.sex`,
		st.StudyID, st.Title, st.Conditions, st.Phase, st.Sex)
	return err
}

func (r *repoPG) CreateSite(ctx context.Context, s *Site) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusUnknown
	}
	lat, lon := coordinateColumns(s.Coordinates)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sites (id, study_id, facility, city, state, postal_code, latitude, longitude, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.StudyID, s.Facility, s.City, s.State, s.PostalCode, lat, lon, string(s.Status))
	return err
}
