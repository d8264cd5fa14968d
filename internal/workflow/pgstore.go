package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Schema creates the workflow_instances table. seq preserves insertion
// order for listings.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	seq               BIGSERIAL,
	id                TEXT PRIMARY KEY,
	workflow_type     TEXT NOT NULL,
	schema_path       TEXT NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	current_stage     TEXT NOT NULL,
	current_sub_stage TEXT NOT NULL DEFAULT '',
	assigned_to       TEXT NOT NULL,
	initiated_by      TEXT NOT NULL,
	initiated_at      TIMESTAMPTZ NOT NULL,
	last_updated      TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ,
	cancelled_at      TIMESTAMPTZ,
	cancel_reason     TEXT NOT NULL DEFAULT '',
	form_data         JSONB NOT NULL DEFAULT '{}',
	stage_history     JSONB NOT NULL DEFAULT '[]',
	metadata          JSONB NOT NULL DEFAULT '{}',
	version           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_assigned_to_idx ON workflow_instances (assigned_to);
CREATE INDEX IF NOT EXISTS workflow_instances_initiated_by_idx ON workflow_instances (initiated_by);
`

const instanceColumns = `id, workflow_type, schema_path, title, description,
	status, current_stage, current_sub_stage, assigned_to, initiated_by,
	initiated_at, last_updated, completed_at, cancelled_at, cancel_reason,
	form_data, stage_history, metadata, version`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// OpenPool connects a pgx pool using the store settings.
func OpenPool(ctx context.Context, dsn string, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse workflow store dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, int(poolCfg.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect workflow store: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables used by the store if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate workflow store: %w", err)
	}
	return nil
}

// Create inserts a new workflow instance.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	formJSON, historyJSON, metaJSON, err := marshalDocuments(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)`,
		inst.ID, inst.WorkflowType, inst.SchemaPath, inst.Title, inst.Description,
		string(inst.Status), inst.CurrentStage, inst.CurrentSubStage, inst.AssignedTo, inst.InitiatedBy,
		inst.InitiatedAt, inst.LastUpdated, inst.CompletedAt, inst.CancelledAt, inst.CancelReason,
		formJSON, historyJSON, metaJSON, inst.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	formJSON, historyJSON, metaJSON, err := marshalDocuments(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			title = $1,
			description = $2,
			status = $3,
			current_stage = $4,
			current_sub_stage = $5,
			assigned_to = $6,
			last_updated = $7,
			completed_at = $8,
			cancelled_at = $9,
			cancel_reason = $10,
			form_data = $11,
			stage_history = $12,
			metadata = $13,
			version = $14
		WHERE id = $15 AND version = $16`,
		inst.Title, inst.Description, string(inst.Status), inst.CurrentStage, inst.CurrentSubStage,
		inst.AssignedTo, inst.LastUpdated, inst.CompletedAt, inst.CancelledAt, inst.CancelReason,
		formJSON, historyJSON, metaJSON, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, inst.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// FindByUser returns instances assigned to or initiated by email.
func (s *PgWorkflowStore) FindByUser(ctx context.Context, email string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE assigned_to = $1 OR initiated_by = $1
		ORDER BY seq ASC`,
		email,
	)
}

// List returns instances matching filters.
func (s *PgWorkflowStore) List(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filters.WorkflowType != "" {
		args = append(args, filters.WorkflowType)
		where = append(where, fmt.Sprintf("workflow_type = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryInstances(ctx, query, args...)
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping workflow store: %w", err)
	}
	return nil
}

// queryInstances executes a query and returns workflow instances.
func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst                            model.WorkflowInstance
		status                          string
		formJSON, historyJSON, metaJSON []byte
	)
	if err := row.Scan(
		&inst.ID, &inst.WorkflowType, &inst.SchemaPath, &inst.Title, &inst.Description,
		&status, &inst.CurrentStage, &inst.CurrentSubStage, &inst.AssignedTo, &inst.InitiatedBy,
		&inst.InitiatedAt, &inst.LastUpdated, &inst.CompletedAt, &inst.CancelledAt, &inst.CancelReason,
		&formJSON, &historyJSON, &metaJSON, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Status = model.WorkflowStatus(status)

	if err := json.Unmarshal(formJSON, &inst.FormData); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal form data: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &inst.StageHistory); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal stage history: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &inst.Metadata); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return inst, nil
}

func marshalDocuments(inst model.WorkflowInstance) (formJSON, historyJSON, metaJSON []byte, err error) {
	form := inst.FormData
	if form == nil {
		form = model.FormData{}
	}
	if formJSON, err = json.Marshal(form); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal form data: %w", err)
	}
	history := inst.StageHistory
	if history == nil {
		history = []model.StageRecord{}
	}
	if historyJSON, err = json.Marshal(history); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stage history: %w", err)
	}
	if metaJSON, err = json.Marshal(inst.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return formJSON, historyJSON, metaJSON, nil
}
