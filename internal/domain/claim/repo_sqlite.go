package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/platform/sqlite"
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type repoSQLite struct{ db *sqlx.DB }

func NewRepoSQLite(db *sqlx.DB) Repository {
	return &repoSQLite{db: db}
}

type claimRow struct {
	ID          string         `db:"id"`
	StudyID     string         `db:"study_id"`
	LocationKey string         `db:"location_key"`
	SiteID      sql.NullString `db:"site_id"`
	OwnerID     string         `db:"owner_id"`
	Status      string         `db:"status"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func newClaimRow(c Claim) claimRow {
	row := claimRow{
		ID:          c.ID.String(),
		StudyID:     c.StudyID,
		LocationKey: string(c.LocationKey),
		OwnerID:     c.OwnerID,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   c.UpdatedAt.UTC().Format(timeLayout),
	}
	if c.SiteID != nil {
		row.SiteID = sql.NullString{String: c.SiteID.String(), Valid: true}
	}
	return row
}

func (r claimRow) toClaim() (Claim, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Claim{}, fmt.Errorf("claim id %q: %w", r.ID, err)
	}
	c := Claim{
		ID:          id,
		StudyID:     r.StudyID,
		LocationKey: site.LocationKey(r.LocationKey),
		OwnerID:     r.OwnerID,
		Status:      Status(r.Status),
	}
	if r.SiteID.Valid {
		sid, err := uuid.Parse(r.SiteID.String)
		if err != nil {
			return Claim{}, fmt.Errorf("claim site id %q: %w", r.SiteID.String, err)
		}
		c.SiteID = &sid
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return Claim{}, fmt.Errorf("claim created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return Claim{}, fmt.Errorf("claim updated_at: %w", err)
	}
	return c, nil
}

func toClaims(rows []claimRow) ([]Claim, error) {
	out := make([]Claim, 0, len(rows))
	for _, row := range rows {
		c, err := row.toClaim()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

const claimColsSQLite = `id, study_id, location_key, site_id, owner_id, status, created_at, updated_at`

func (r *repoSQLite) FindByStudy(ctx context.Context, studyID string) ([]Claim, error) {
	var rows []claimRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+claimColsSQLite+` FROM claims
		WHERE study_id = ? ORDER BY created_at, id`, studyID); err != nil {
		return nil, fmt.Errorf("find claims by study: %w", err)
	}
	return toClaims(rows)
}

func (r *repoSQLite) InsertBatch(ctx context.Context, claims []Claim) ([]error, error) {
	results := make([]error, 0, len(claims))
	for _, c := range claims {
		_, err := r.db.NamedExecContext(ctx, `INSERT INTO claims (`+claimColsSQLite+`)
			VALUES (:id, :study_id, :location_key, :site_id, :owner_id, :status, :created_at, :updated_at)`,
			newClaimRow(c))
		switch {
		case err == nil:
			results = append(results, nil)
		case sqlite.IsUniqueViolation(err):
			results = append(results, ErrConflict)
		default:
			return results, fmt.Errorf("insert claim %s: %w", c.LocationKey, err)
		}
	}
	return results, nil
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	var row claimRow
	err := r.db.GetContext(ctx, &row, `SELECT `+claimColsSQLite+` FROM claims WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	c, err := row.toClaim()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoSQLite) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Claim, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM claims WHERE owner_id = ?`, ownerID); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}
	var rows []claimRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+claimColsSQLite+` FROM claims
		WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, ownerID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	out, err := toClaims(rows)
	return out, total, err
}

func (r *repoSQLite) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE claims SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(timeLayout), id.String())
	if sqlite.IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	return requireRow(res)
}

func (r *repoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return requireRow(res)
}

func (r *repoSQLite) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM claims WHERE status = ?`, string(status)); err != nil {
		return 0, fmt.Errorf("count claims by status: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
