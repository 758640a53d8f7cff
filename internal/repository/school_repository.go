package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// SchoolRepository manages the mirrored school hierarchy.
type SchoolRepository struct {
	db *sqlx.DB
}

// NewSchoolRepository constructs a SchoolRepository.
func NewSchoolRepository(db *sqlx.DB) *SchoolRepository {
	return &SchoolRepository{db: db}
}

// FindByCode fetches a school by its external code.
func (r *SchoolRepository) FindByCode(ctx context.Context, code string) (*models.SchoolRecord, error) {
	const query = `SELECT id, code, name, region_code, active, status, academic_year, has_tvet,
        sync_status, sync_error, last_synced_at, created_at, updated_at
        FROM sdms_schools WHERE code = $1`
	var school models.SchoolRecord
	if err := r.db.GetContext(ctx, &school, query, code); err != nil {
		return nil, err
	}
	return &school, nil
}

// ReplaceHierarchy upserts the school row and replaces its level → combination
// → grade → class group subtree in a single transaction, keyed by natural
// keys so surviving rows keep their ids. Rows absent from the remote tree are
// pruned; a failed sync leaves the previous tree intact. Returns the stored
// row so callers read the post-sync state within the same logical operation.
func (r *SchoolRepository) ReplaceHierarchy(ctx context.Context, school *models.SchoolRecord, levels []models.LevelNode) (*models.SchoolRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	stored, err := r.replaceHierarchyTx(ctx, tx, school, levels)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit school sync: %w", err)
	}
	return stored, nil
}

func (r *SchoolRepository) replaceHierarchyTx(ctx context.Context, tx *sqlx.Tx, school *models.SchoolRecord, levels []models.LevelNode) (*models.SchoolRecord, error) {
	now := time.Now().UTC()
	if school.ID == "" {
		school.ID = uuid.NewString()
	}

	const upsertSchool = `INSERT INTO sdms_schools
        (id, code, name, region_code, active, status, academic_year, has_tvet, sync_status, sync_error, last_synced_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, NULL, $9, $9, $9)
        ON CONFLICT (code) DO UPDATE SET
            name = EXCLUDED.name,
            region_code = EXCLUDED.region_code,
            active = EXCLUDED.active,
            status = EXCLUDED.status,
            academic_year = EXCLUDED.academic_year,
            sync_status = EXCLUDED.sync_status,
            sync_error = NULL,
            last_synced_at = EXCLUDED.last_synced_at,
            updated_at = EXCLUDED.updated_at
        RETURNING id`
	var schoolID string
	if err := tx.GetContext(ctx, &schoolID, upsertSchool,
		school.ID, school.Code, school.Name, school.RegionCode, school.Active,
		school.Status, school.AcademicYear, models.SyncStatusSynced, now); err != nil {
		return nil, fmt.Errorf("upsert school: %w", err)
	}

	levelCodes := make([]string, 0, len(levels))
	for _, level := range levels {
		levelCodes = append(levelCodes, level.Code)
		levelID, err := upsertTier(ctx, tx, "sdms_levels", "school_id", schoolID, level.Code, level.Name)
		if err != nil {
			return nil, err
		}

		comboCodes := make([]string, 0, len(level.Combinations))
		for _, combo := range level.Combinations {
			comboCodes = append(comboCodes, combo.Code)
			comboID, err := upsertTier(ctx, tx, "sdms_combinations", "level_id", levelID, combo.Code, combo.Name)
			if err != nil {
				return nil, err
			}

			gradeCodes := make([]string, 0, len(combo.Grades))
			for _, grade := range combo.Grades {
				gradeCodes = append(gradeCodes, grade.Code)
				gradeID, err := upsertTier(ctx, tx, "sdms_grades", "combination_id", comboID, grade.Code, grade.Name)
				if err != nil {
					return nil, err
				}

				groupCodes := make([]string, 0, len(grade.ClassGroups))
				for _, group := range grade.ClassGroups {
					groupCodes = append(groupCodes, group.Code)
					if _, err := upsertTier(ctx, tx, "sdms_class_groups", "grade_id", gradeID, group.Code, group.Name); err != nil {
						return nil, err
					}
				}
				if err := pruneTier(ctx, tx, "sdms_class_groups", "grade_id", gradeID, groupCodes); err != nil {
					return nil, err
				}
			}
			if err := pruneTier(ctx, tx, "sdms_grades", "combination_id", comboID, gradeCodes); err != nil {
				return nil, err
			}
		}
		if err := pruneTier(ctx, tx, "sdms_combinations", "level_id", levelID, comboCodes); err != nil {
			return nil, err
		}
	}
	if err := pruneTier(ctx, tx, "sdms_levels", "school_id", schoolID, levelCodes); err != nil {
		return nil, err
	}

	const recomputeTVET = `UPDATE sdms_schools SET has_tvet =
        EXISTS (SELECT 1 FROM sdms_levels WHERE school_id = $1 AND code = $2)
        WHERE id = $1`
	if _, err := tx.ExecContext(ctx, recomputeTVET, schoolID, models.LevelCodeTVET); err != nil {
		return nil, fmt.Errorf("recompute has_tvet: %w", err)
	}

	const reload = `SELECT id, code, name, region_code, active, status, academic_year, has_tvet,
        sync_status, sync_error, last_synced_at, created_at, updated_at
        FROM sdms_schools WHERE id = $1`
	var stored models.SchoolRecord
	if err := tx.GetContext(ctx, &stored, reload, schoolID); err != nil {
		return nil, fmt.Errorf("reload school: %w", err)
	}
	return &stored, nil
}

// upsertTier inserts or refreshes one hierarchy row keyed by (parent, code).
func upsertTier(ctx context.Context, tx *sqlx.Tx, table, parentColumn, parentID, code, name string) (string, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, %s, code, name) VALUES ($1, $2, $3, $4)
        ON CONFLICT (%s, code) DO UPDATE SET name = EXCLUDED.name
        RETURNING id`, table, parentColumn, parentColumn)
	var id string
	if err := tx.GetContext(ctx, &id, query, uuid.NewString(), parentID, code, name); err != nil {
		return "", fmt.Errorf("upsert %s: %w", table, err)
	}
	return id, nil
}

// pruneTier removes rows the remote tree no longer contains.
func pruneTier(ctx context.Context, tx *sqlx.Tx, table, parentColumn, parentID string, keep []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND NOT (code = ANY($2))", table, parentColumn)
	if _, err := tx.ExecContext(ctx, query, parentID, pq.Array(keep)); err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

// MarkSyncError flags a cached school after a failed refresh. The row keeps
// serving reads; only the bookkeeping changes.
func (r *SchoolRepository) MarkSyncError(ctx context.Context, code, message string) error {
	const query = `UPDATE sdms_schools SET sync_status = $2, sync_error = $3, updated_at = $4 WHERE code = $1`
	if _, err := r.db.ExecContext(ctx, query, code, models.SyncStatusError, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark school sync error: %w", err)
	}
	return nil
}

// ListStale returns schools whose last sync predates the cutoff, oldest
// first. Never-synced rows sort first.
func (r *SchoolRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.SchoolRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, code, name, region_code, active, status, academic_year, has_tvet,
        sync_status, sync_error, last_synced_at, created_at, updated_at
        FROM sdms_schools
        WHERE last_synced_at IS NULL OR last_synced_at < $1
        ORDER BY last_synced_at ASC NULLS FIRST
        LIMIT $2`
	var schools []models.SchoolRecord
	if err := r.db.SelectContext(ctx, &schools, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list stale schools: %w", err)
	}
	return schools, nil
}

// LocateClassGroup resolves a class group id from the remote's combination
// code and grade name. Returns nil when the hierarchy has no match.
func (r *SchoolRepository) LocateClassGroup(ctx context.Context, schoolCode, combinationCode, gradeName string) (*string, error) {
	const query = `SELECT cg.id
        FROM sdms_class_groups cg
        JOIN sdms_grades g ON g.id = cg.grade_id
        JOIN sdms_combinations c ON c.id = g.combination_id
        JOIN sdms_levels l ON l.id = c.level_id
        JOIN sdms_schools s ON s.id = l.school_id
        WHERE s.code = $1 AND c.code = $2 AND g.name = $3
        ORDER BY cg.code LIMIT 1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, schoolCode, combinationCode, gradeName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("locate class group: %w", err)
	}
	return &id, nil
}
