// Package postgresql provides the PostgreSQL persistence implementation of the execution core.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	workflowRepo    *WorkflowRepository
	runRepo         *RunRepository
	approvalRepo    *ApprovalRepository
	complianceRepo  *ComplianceRepository
	idempotencyRepo *IdempotencyRepository
	connectionRepo  *ConnectionRepository
	secretRepo      *SecretRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations on initialization
	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:              database,
		logger:          logger,
		workflowRepo:    NewWorkflowRepository(database, logger),
		runRepo:         NewRunRepository(database, logger),
		approvalRepo:    NewApprovalRepository(database, logger),
		complianceRepo:  NewComplianceRepository(database, logger),
		idempotencyRepo: NewIdempotencyRepository(database, logger),
		connectionRepo:  NewConnectionRepository(database, logger),
		secretRepo:      NewSecretRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runRepo
}

func (p *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return p.approvalRepo
}

func (p *Persistence) ComplianceRepository() persistence.ComplianceRepository {
	return p.complianceRepo
}

func (p *Persistence) IdempotencyRepository() persistence.IdempotencyRepository {
	return p.idempotencyRepo
}

func (p *Persistence) ConnectionRepository() persistence.ConnectionRepository {
	return p.connectionRepo
}

func (p *Persistence) SecretRepository() persistence.SecretRepository {
	return p.secretRepo
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// affected reports whether exactly one row was changed.
func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
