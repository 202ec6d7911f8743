package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/templui/downloadgroups/internal/db"
	"github.com/templui/downloadgroups/internal/model"
)

var (
	ErrGroupNotFound = errors.New("download group not found")
)

// GroupRepository persists download groups and their asset links.
//
// State transitions are single-row conditional updates: each returns false
// when the row was not in the expected prior state, so callers can treat a
// lost race as a no-op.
type GroupRepository interface {
	// InTx runs fn with a repository bound to one transaction.
	// The bound repository must not call InTx again.
	InTx(ctx context.Context, fn func(repo GroupRepository) error) error

	Create(ctx context.Context, group *model.Group) error
	ByID(ctx context.Context, id string) (*model.Group, error)
	BySlug(ctx context.Context, tenantID, slug string) (*model.Group, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.Group, error)
	// Lock takes the group's row lock for the rest of the transaction and returns the row.
	Lock(ctx context.Context, id string, now time.Time) (*model.Group, error)

	Links(ctx context.Context, groupID string) ([]*model.AssetLink, error)
	AddLink(ctx context.Context, link *model.AssetLink) (bool, error)
	RemoveLink(ctx context.Context, groupID, assetID string) (bool, error)
	SetPrimary(ctx context.Context, groupID, assetID string) error
	CountLinks(ctx context.Context, groupID string) (int, error)

	MarkReady(ctx context.Context, id string, now time.Time) (bool, error)
	InvalidateArchive(ctx context.Context, id string, now time.Time) (bool, error)
	ClaimBuild(ctx context.Context, id string, from model.ArchiveStatus, now time.Time) (bool, error)
	CompleteBuild(ctx context.Context, id, key string, size int64, now time.Time) (bool, error)
	ReleaseBuild(ctx context.Context, id string, to model.ArchiveStatus, now time.Time) (bool, error)
	FailBuild(ctx context.Context, id string, now time.Time) (bool, error)
	ResetFailedArchive(ctx context.Context, id string, now time.Time) (bool, error)

	SoftDelete(ctx context.Context, id string, at time.Time, hardDeleteAt *time.Time) (bool, error)
	Restore(ctx context.Context, id string, hardDeleteAt *time.Time, now time.Time) (bool, error)
	UpdateRetention(ctx context.Context, id string, expiresAt, hardDeleteAt *time.Time, now time.Time) error

	DueForHardDelete(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Group, error)
	HardDelete(ctx context.Context, id string) error
}

type groupRepository struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

func NewGroupRepository(db *sqlx.DB) GroupRepository {
	return &groupRepository{db: db, q: db}
}

func (r *groupRepository) InTx(ctx context.Context, fn func(repo GroupRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&groupRepository{db: r.db, q: tx})
	})
}

func (r *groupRepository) Create(ctx context.Context, g *model.Group) error {
	query := `INSERT INTO download_groups (
			id, tenant_id, slug, kind, source, status, archive_status, archive_key, archive_size_bytes,
			version, access_mode, allow_reshare, created_by, expires_at, hard_delete_at, soft_deleted_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := r.q.ExecContext(ctx, query,
		g.ID,
		g.TenantID,
		g.Slug,
		g.Kind,
		g.Source,
		g.Status,
		g.ArchiveStatus,
		g.ArchiveKey,
		g.ArchiveSizeBytes,
		g.Version,
		g.AccessMode,
		g.AllowReshare,
		g.CreatedBy,
		g.ExpiresAt,
		g.HardDeleteAt,
		g.SoftDeletedAt,
		g.CreatedAt,
		g.UpdatedAt,
	)

	return err
}

func (r *groupRepository) ByID(ctx context.Context, id string) (*model.Group, error) {
	group := &model.Group{}
	query := `SELECT * FROM download_groups WHERE id = $1`

	err := sqlx.GetContext(ctx, r.q, group, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}

	return group, nil
}

func (r *groupRepository) BySlug(ctx context.Context, tenantID, slug string) (*model.Group, error) {
	group := &model.Group{}
	query := `SELECT * FROM download_groups WHERE tenant_id = $1 AND slug = $2`

	err := sqlx.GetContext(ctx, r.q, group, query, tenantID, slug)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}

	return group, nil
}

func (r *groupRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.Group, error) {
	var groups []*model.Group
	query := `SELECT * FROM download_groups
	          WHERE tenant_id = $1 AND soft_deleted_at IS NULL
	          ORDER BY created_at DESC, id`

	err := sqlx.SelectContext(ctx, r.q, &groups, query, tenantID)
	if err != nil {
		return nil, err
	}

	return groups, nil
}

func (r *groupRepository) Lock(ctx context.Context, id string, now time.Time) (*model.Group, error) {
	// A no-op write takes the row lock on Postgres and the write lock on SQLite.
	result, err := r.q.ExecContext(ctx, `UPDATE download_groups SET updated_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return nil, err
	}
	if err := expectRow(result, ErrGroupNotFound); err != nil {
		return nil, err
	}
	return r.ByID(ctx, id)
}

func (r *groupRepository) Links(ctx context.Context, groupID string) ([]*model.AssetLink, error) {
	var links []*model.AssetLink
	query := `SELECT * FROM download_group_assets
	          WHERE group_id = $1
	          ORDER BY is_primary DESC, position ASC`

	err := sqlx.SelectContext(ctx, r.q, &links, query, groupID)
	if err != nil {
		return nil, err
	}

	return links, nil
}

// AddLink inserts a link at the end of the group's attach order.
// Returns false when the asset is already linked.
func (r *groupRepository) AddLink(ctx context.Context, link *model.AssetLink) (bool, error) {
	var exists int
	err := sqlx.GetContext(ctx, r.q, &exists,
		`SELECT COUNT(*) FROM download_group_assets WHERE group_id = $1 AND asset_id = $2`,
		link.GroupID, link.AssetID)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}

	var position int
	err = sqlx.GetContext(ctx, r.q, &position,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM download_group_assets WHERE group_id = $1`,
		link.GroupID)
	if err != nil {
		return false, err
	}
	link.Position = position

	query := `INSERT INTO download_group_assets (group_id, asset_id, is_primary, position, created_at)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err = r.q.ExecContext(ctx, query, link.GroupID, link.AssetID, link.IsPrimary, link.Position, link.CreatedAt)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *groupRepository) RemoveLink(ctx context.Context, groupID, assetID string) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM download_group_assets WHERE group_id = $1 AND asset_id = $2`, groupID, assetID)
	return changed(result, err)
}

func (r *groupRepository) SetPrimary(ctx context.Context, groupID, assetID string) error {
	query := `UPDATE download_group_assets
	          SET is_primary = CASE WHEN asset_id = $1 THEN TRUE ELSE FALSE END
	          WHERE group_id = $2`
	_, err := r.q.ExecContext(ctx, query, assetID, groupID)
	return err
}

func (r *groupRepository) CountLinks(ctx context.Context, groupID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM download_group_assets WHERE group_id = $1`, groupID)
	return n, err
}

// MarkReady moves a pending group with at least one link to ready.
func (r *groupRepository) MarkReady(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET status = $1, updated_at = $2
	          WHERE id = $3 AND status = $4
	            AND EXISTS (SELECT 1 FROM download_group_assets WHERE group_id = $3)`
	result, err := r.q.ExecContext(ctx, query, model.GroupStatusReady, now, id, model.GroupStatusPending)
	return changed(result, err)
}

// InvalidateArchive flips a ready archive to invalidated and bumps the version.
func (r *groupRepository) InvalidateArchive(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = $1, version = version + 1, updated_at = $2
	          WHERE id = $3 AND archive_status = $4`
	result, err := r.q.ExecContext(ctx, query, model.ArchiveStatusInvalidated, now, id, model.ArchiveStatusReady)
	return changed(result, err)
}

// ClaimBuild is the optimistic from -> building claim.
func (r *groupRepository) ClaimBuild(ctx context.Context, id string, from model.ArchiveStatus, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = $1, updated_at = $2
	          WHERE id = $3 AND archive_status = $4`
	result, err := r.q.ExecContext(ctx, query, model.ArchiveStatusBuilding, now, id, from)
	return changed(result, err)
}

func (r *groupRepository) CompleteBuild(ctx context.Context, id, key string, size int64, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = $1, archive_key = $2, archive_size_bytes = $3, updated_at = $4
	          WHERE id = $5 AND archive_status = $6`
	result, err := r.q.ExecContext(ctx, query, model.ArchiveStatusReady, key, size, now, id, model.ArchiveStatusBuilding)
	return changed(result, err)
}

// ReleaseBuild hands a claimed build back to its prior state so it can be retried.
func (r *groupRepository) ReleaseBuild(ctx context.Context, id string, to model.ArchiveStatus, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = $1, updated_at = $2
	          WHERE id = $3 AND archive_status = $4`
	result, err := r.q.ExecContext(ctx, query, to, now, id, model.ArchiveStatusBuilding)
	return changed(result, err)
}

// FailBuild marks the archive failed from any state a build job can leave behind.
func (r *groupRepository) FailBuild(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = $1, updated_at = $2
	          WHERE id = $3 AND archive_status IN ($4, $5, $6)`
	result, err := r.q.ExecContext(ctx, query,
		model.ArchiveStatusFailed, now, id,
		model.ArchiveStatusNone, model.ArchiveStatusBuilding, model.ArchiveStatusInvalidated)
	return changed(result, err)
}

// ResetFailedArchive makes a failed archive buildable again. Groups that
// still reference an older object go back to invalidated, others to none.
func (r *groupRepository) ResetFailedArchive(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET archive_status = CASE WHEN archive_key IS NULL THEN $1 ELSE $2 END, updated_at = $3
	          WHERE id = $4 AND archive_status = $5`
	result, err := r.q.ExecContext(ctx, query,
		model.ArchiveStatusNone, model.ArchiveStatusInvalidated, now, id, model.ArchiveStatusFailed)
	return changed(result, err)
}

func (r *groupRepository) SoftDelete(ctx context.Context, id string, at time.Time, hardDeleteAt *time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET soft_deleted_at = $1, hard_delete_at = $2, updated_at = $3
	          WHERE id = $4 AND soft_deleted_at IS NULL`
	result, err := r.q.ExecContext(ctx, query, at, hardDeleteAt, at, id)
	return changed(result, err)
}

func (r *groupRepository) Restore(ctx context.Context, id string, hardDeleteAt *time.Time, now time.Time) (bool, error) {
	query := `UPDATE download_groups
	          SET soft_deleted_at = NULL, hard_delete_at = $1, updated_at = $2
	          WHERE id = $3 AND soft_deleted_at IS NOT NULL`
	result, err := r.q.ExecContext(ctx, query, hardDeleteAt, now, id)
	return changed(result, err)
}

func (r *groupRepository) UpdateRetention(ctx context.Context, id string, expiresAt, hardDeleteAt *time.Time, now time.Time) error {
	query := `UPDATE download_groups
	          SET expires_at = $1, hard_delete_at = $2, updated_at = $3
	          WHERE id = $4`
	result, err := r.q.ExecContext(ctx, query, expiresAt, hardDeleteAt, now, id)
	if err != nil {
		return err
	}
	return expectRow(result, ErrGroupNotFound)
}

// DueForHardDelete pages through groups whose hard_delete_at has passed,
// ordered by id so a batch that keeps failing cannot stall later pages.
func (r *groupRepository) DueForHardDelete(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Group, error) {
	var groups []*model.Group
	query := `SELECT * FROM download_groups
	          WHERE hard_delete_at IS NOT NULL AND hard_delete_at <= $1 AND id > $2
	          ORDER BY id
	          LIMIT $3`

	err := sqlx.SelectContext(ctx, r.q, &groups, query, now, afterID, limit)
	if err != nil {
		return nil, err
	}

	return groups, nil
}

// HardDelete removes the group and its links. This is the only place rows
// are destroyed.
func (r *groupRepository) HardDelete(ctx context.Context, id string) error {
	return r.InTx(ctx, func(repo GroupRepository) error {
		tx := repo.(*groupRepository)
		_, err := tx.q.ExecContext(ctx, `DELETE FROM download_group_assets WHERE group_id = $1`, id)
		if err != nil {
			return err
		}
		result, err := tx.q.ExecContext(ctx, `DELETE FROM download_groups WHERE id = $1`, id)
		if err != nil {
			return err
		}
		return expectRow(result, ErrGroupNotFound)
	})
}

func changed(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func expectRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
