package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// complianceRepository stores events as <tenant>/compliance/events/<sequence>.json
// with the chain head in <tenant>/compliance/head.json.
type complianceRepository struct {
	p *Persistence
}

func sequenceFile(sequence int64) string {
	return fmt.Sprintf("%020d.json", sequence)
}

func (r *complianceRepository) Append(_ context.Context, tenantID string, build persistence.BuildEventFunc) (*models.ComplianceEvent, error) {
	headPath, err := r.p.path(tenantID, "compliance", "head.json")
	if err != nil {
		return nil, err
	}

	lock := r.p.chainLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	head := models.ChainHead{TenantID: tenantID, Digest: models.GenesisDigest}
	if err := readJSON(headPath, &head); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	event, err := build(head)
	if err != nil {
		return nil, err
	}

	eventPath, err := r.p.path(tenantID, "compliance", "events", sequenceFile(event.Sequence))
	if err != nil {
		return nil, err
	}

	if err := writeJSON(eventPath, event); err != nil {
		return nil, fmt.Errorf("failed to write compliance event: %w", err)
	}

	next := models.ChainHead{TenantID: tenantID, Sequence: event.Sequence, Digest: event.Digest}
	if err := writeJSON(headPath, next); err != nil {
		return nil, fmt.Errorf("failed to advance chain head: %w", err)
	}

	return event, nil
}

func (r *complianceRepository) List(_ context.Context, tenantID string, rng models.EventRange) ([]*models.ComplianceEvent, error) {
	dir, err := r.p.path(tenantID, "compliance", "events")
	if err != nil {
		return nil, err
	}

	events, err := readDir[models.ComplianceEvent](dir)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.ComplianceEvent, 0, len(events))
	for _, e := range events {
		if rng.Contains(e.Timestamp) {
			filtered = append(filtered, e)
		}
	}

	return filtered, nil
}

func (r *complianceRepository) GetBySequence(_ context.Context, tenantID string, sequence int64) (*models.ComplianceEvent, error) {
	path, err := r.p.path(tenantID, "compliance", "events", sequenceFile(sequence))
	if err != nil {
		return nil, err
	}

	var event models.ComplianceEvent
	if err := readJSON(path, &event); err != nil {
		return nil, persistence.NewEntityError("GetBySequence", "compliance event", fmt.Sprint(sequence),
			notFound(err, persistence.ErrEventNotFound))
	}

	return &event, nil
}

func (r *complianceRepository) SaveAnchor(_ context.Context, anchor *models.ComplianceAnchor) error {
	path, err := r.p.path(anchor.TenantID, "compliance", "anchors", anchor.Period+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var existing models.ComplianceAnchor
	if err := readJSON(path, &existing); err == nil {
		return persistence.NewEntityError("SaveAnchor", "anchor", anchor.Period, persistence.ErrAnchorAlreadyExists)
	}

	return writeJSON(path, anchor)
}

func (r *complianceRepository) GetAnchor(_ context.Context, tenantID, period string) (*models.ComplianceAnchor, error) {
	path, err := r.p.path(tenantID, "compliance", "anchors", period+".json")
	if err != nil {
		return nil, err
	}

	var anchor models.ComplianceAnchor
	if err := readJSON(path, &anchor); err != nil {
		return nil, persistence.NewEntityError("GetAnchor", "anchor", period, notFound(err, persistence.ErrAnchorNotFound))
	}

	return &anchor, nil
}

func (r *complianceRepository) Tenants(_ context.Context) ([]string, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return nil, err
	}

	withEvents := make([]string, 0, len(tenants))

	for _, tenantID := range tenants {
		headPath, err := r.p.path(tenantID, "compliance", "head.json")
		if err != nil {
			continue
		}

		var head models.ChainHead
		if err := readJSON(headPath, &head); err == nil {
			withEvents = append(withEvents, tenantID)
		}
	}

	return withEvents, nil
}
