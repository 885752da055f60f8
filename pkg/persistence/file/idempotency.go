package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// idempotencyRepository stores ledger entries as <tenant>/idempotency/<sha256(scope, key)>.json.
type idempotencyRepository struct {
	p *Persistence
}

func (r *idempotencyRepository) file(tenantID, scope, key string) (string, error) {
	sum := sha256.Sum256([]byte(scope + "\x00" + key))

	return r.p.path(tenantID, "idempotency", hex.EncodeToString(sum[:])+".json")
}

func (r *idempotencyRepository) Reserve(_ context.Context, record *models.IdempotencyRecord, now time.Time) (*models.IdempotencyRecord, bool, error) {
	path, err := r.file(record.TenantID, record.Scope, record.Key)
	if err != nil {
		return nil, false, err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var existing models.IdempotencyRecord

	err = readJSON(path, &existing)
	switch {
	case err == nil && !existing.Expired(now):
		return &existing, false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, false, err
	}

	record.Status = models.IdempotencyInProgress
	record.Response = nil

	if err := writeJSON(path, record); err != nil {
		return nil, false, err
	}

	return nil, true, nil
}

func (r *idempotencyRepository) Complete(_ context.Context, tenantID, scope, key string, response json.RawMessage, expiresAt time.Time) error {
	path, err := r.file(tenantID, scope, key)
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var record models.IdempotencyRecord
	if err := readJSON(path, &record); err != nil {
		return persistence.NewEntityError("Complete", "idempotency key", key, notFound(err, persistence.ErrIdempotencyKeyNotFound))
	}

	record.Status = models.IdempotencyCompleted
	record.Response = response
	record.ExpiresAt = expiresAt.UTC()

	return writeJSON(path, &record)
}

func (r *idempotencyRepository) Delete(_ context.Context, tenantID, scope, key string) error {
	path, err := r.file(tenantID, scope, key)
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return removeFile(path)
}

func (r *idempotencyRepository) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return 0, err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	purged := 0

	for _, tenantID := range tenants {
		dir, err := r.p.path(tenantID, "idempotency")
		if err != nil {
			return purged, err
		}

		records, err := readDir[models.IdempotencyRecord](dir)
		if err != nil {
			return purged, err
		}

		for _, record := range records {
			if !record.Expired(now) {
				continue
			}

			path, err := r.file(record.TenantID, record.Scope, record.Key)
			if err != nil {
				return purged, err
			}

			if err := removeFile(path); err != nil {
				return purged, err
			}

			purged++
		}
	}

	return purged, nil
}
