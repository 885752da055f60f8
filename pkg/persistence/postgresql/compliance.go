package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

const eventColumns = `
			tenant_id
		  , sequence
		  , id
		  , category
		  , event_type
		  , actor
		  , payload
		  , timestamp
		  , prev_digest
		  , digest`

// ComplianceRepository handles the append-only event chain. Payloads are
// stored as json (not jsonb) so key order and number text survive storage.
type ComplianceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewComplianceRepository creates a new compliance repository.
func NewComplianceRepository(db *sql.DB, logger *slog.Logger) *ComplianceRepository {
	return &ComplianceRepository{db: db, logger: logger}
}

// Append locks the tenant's chain head row for the duration of the transaction,
// so concurrent appends from any process observe a consistent head.
func (r *ComplianceRepository) Append(ctx context.Context, tenantID string, build persistence.BuildEventFunc) (*models.ComplianceEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compliance_chain_heads (tenant_id, sequence, digest)
		VALUES ($1, 0, $2)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, models.GenesisDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain head: %w", err)
	}

	head := models.ChainHead{TenantID: tenantID}

	err = tx.QueryRowContext(ctx,
		`SELECT sequence, digest FROM compliance_chain_heads WHERE tenant_id = $1 FOR UPDATE`, tenantID,
	).Scan(&head.Sequence, &head.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to lock chain head: %w", err)
	}

	event, err := build(head)
	if err != nil {
		return nil, err
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compliance_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.TenantID, event.Sequence, event.ID, event.Category, event.EventType, event.Actor, payload,
		event.Timestamp, event.PrevDigest, event.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to insert compliance event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE compliance_chain_heads SET sequence = $2, digest = $3 WHERE tenant_id = $1`,
		tenantID, event.Sequence, event.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to advance chain head: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit compliance event: %w", err)
	}

	return event, nil
}

// List returns the tenant's events in the range ordered by sequence.
func (r *ComplianceRepository) List(ctx context.Context, tenantID string, rng models.EventRange) ([]*models.ComplianceEvent, error) {
	query := `
		SELECT` + eventColumns + `
		FROM compliance_events
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp < $3)
		ORDER BY sequence
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, nullTime(rng.From), nullTime(rng.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query compliance events: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.ComplianceEvent, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compliance event: %w", err)
		}

		events = append(events, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating compliance events: %w", err)
	}

	return events, nil
}

// GetBySequence returns one event of the tenant's chain.
func (r *ComplianceRepository) GetBySequence(ctx context.Context, tenantID string, sequence int64) (*models.ComplianceEvent, error) {
	query := `SELECT` + eventColumns + ` FROM compliance_events WHERE tenant_id = $1 AND sequence = $2`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, tenantID, sequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetBySequence", "compliance event", fmt.Sprint(sequence), persistence.ErrEventNotFound)
		}

		return nil, fmt.Errorf("failed to scan compliance event: %w", err)
	}

	return event, nil
}

// SaveAnchor inserts an anchor; a period can only be anchored once.
func (r *ComplianceRepository) SaveAnchor(ctx context.Context, anchor *models.ComplianceAnchor) error {
	query := `
		INSERT INTO compliance_anchors (
			tenant_id, period, id, period_start, period_end, event_count,
			first_sequence, last_sequence, merkle_root, hmac, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		anchor.TenantID, anchor.Period, anchor.ID, anchor.PeriodStart, anchor.PeriodEnd, anchor.EventCount,
		anchor.FirstSequence, anchor.LastSequence, anchor.MerkleRoot, anchor.HMAC, anchor.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return persistence.NewEntityError("SaveAnchor", "anchor", anchor.Period, persistence.ErrAnchorAlreadyExists)
		}

		return fmt.Errorf("failed to insert anchor: %w", err)
	}

	return nil
}

// GetAnchor returns the anchor of a period.
func (r *ComplianceRepository) GetAnchor(ctx context.Context, tenantID, period string) (*models.ComplianceAnchor, error) {
	query := `
		SELECT tenant_id, period, id, period_start, period_end, event_count,
		       first_sequence, last_sequence, merkle_root, hmac, created_at
		FROM compliance_anchors
		WHERE tenant_id = $1 AND period = $2
	`

	var anchor models.ComplianceAnchor

	err := r.db.QueryRowContext(ctx, query, tenantID, period).Scan(
		&anchor.TenantID, &anchor.Period, &anchor.ID, &anchor.PeriodStart, &anchor.PeriodEnd, &anchor.EventCount,
		&anchor.FirstSequence, &anchor.LastSequence, &anchor.MerkleRoot, &anchor.HMAC, &anchor.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetAnchor", "anchor", period, persistence.ErrAnchorNotFound)
		}

		return nil, fmt.Errorf("failed to scan anchor: %w", err)
	}

	anchor.PeriodStart = anchor.PeriodStart.UTC()
	anchor.PeriodEnd = anchor.PeriodEnd.UTC()
	anchor.CreatedAt = anchor.CreatedAt.UTC()

	return &anchor, nil
}

// Tenants returns every tenant with a chain.
func (r *ComplianceRepository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id FROM compliance_chain_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	tenants := make([]string, 0)

	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}

		tenants = append(tenants, tenantID)
	}

	return tenants, rows.Err()
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return data, nil
}

func scanEvent(row scanner) (*models.ComplianceEvent, error) {
	var (
		event   models.ComplianceEvent
		payload []byte
	)

	err := row.Scan(
		&event.TenantID, &event.Sequence, &event.ID, &event.Category, &event.EventType, &event.Actor, &payload,
		&event.Timestamp, &event.PrevDigest, &event.Digest,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(payload, &event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	event.Timestamp = event.Timestamp.UTC()

	return &event, nil
}
