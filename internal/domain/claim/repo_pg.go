package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/platform/db"
)

const pgUniqueViolation = "23505"

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

const claimCols = `id, study_id, location_key, site_id, owner_id, status, created_at, updated_at`

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c      Claim
		key    string
		status string
	)
	if err := row.Scan(&c.ID, &c.StudyID, &key, &c.SiteID, &c.OwnerID, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Claim{}, err
	}
	c.LocationKey = site.LocationKey(key)
	c.Status = Status(status)
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *repoPG) FindByStudy(ctx context.Context, studyID string) ([]Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims
		WHERE study_id = $1 ORDER BY created_at, id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("find claims by study: %w", err)
	}
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) InsertBatch(ctx context.Context, claims []Claim) ([]error, error) {
	results := make([]error, 0, len(claims))
	for i := range claims {
		c := &claims[i]
		_, err := r.conn(ctx).Exec(ctx, `INSERT INTO claims (`+claimCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.StudyID, string(c.LocationKey), c.SiteID, c.OwnerID, string(c.Status), c.CreatedAt, c.UpdatedAt)
		switch {
		case err == nil:
			results = append(results, nil)
		case isUniqueViolation(err):
			results = append(results, ErrConflict)
		default:
			return results, fmt.Errorf("insert claim %s: %w", c.LocationKey, err)
		}
	}
	return results, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Claim, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims
		WHERE owner_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE claims SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM claims WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claims by status: %w", err)
	}
	return n, nil
}
