package file

import (
	"context"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// connectionRepository stores credential metadata as <tenant>/connections/<id>.json.
type connectionRepository struct {
	p *Persistence
}

func (r *connectionRepository) Save(_ context.Context, connection *models.Connection) error {
	path, err := r.p.path(connection.TenantID, "connections", connection.ID+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()
	if connection.CreatedAt.IsZero() {
		connection.CreatedAt = now
	}

	connection.UpdatedAt = now

	return writeJSON(path, connection)
}

func (r *connectionRepository) Get(_ context.Context, tenantID, id string) (*models.Connection, error) {
	path, err := r.p.path(tenantID, "connections", id+".json")
	if err != nil {
		return nil, err
	}

	var connection models.Connection
	if err := readJSON(path, &connection); err != nil {
		return nil, persistence.NewEntityError("Get", "connection", id, notFound(err, persistence.ErrConnectionNotFound))
	}

	return &connection, nil
}

// secretRepository stores sealed secrets and wrapped keys under <tenant>/vault/.
type secretRepository struct {
	p *Persistence
}

func (r *secretRepository) PutSecret(_ context.Context, secret *models.SealedSecret) error {
	path, err := r.p.path(secret.TenantID, "vault", "secrets", secret.ConnectionID+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return writeJSON(path, secret)
}

func (r *secretRepository) GetSecret(_ context.Context, tenantID, connectionID string) (*models.SealedSecret, error) {
	path, err := r.p.path(tenantID, "vault", "secrets", connectionID+".json")
	if err != nil {
		return nil, err
	}

	var secret models.SealedSecret
	if err := readJSON(path, &secret); err != nil {
		return nil, persistence.NewEntityError("GetSecret", "secret", connectionID, notFound(err, persistence.ErrSecretNotFound))
	}

	return &secret, nil
}

func (r *secretRepository) DeleteSecret(_ context.Context, tenantID, connectionID string) error {
	path, err := r.p.path(tenantID, "vault", "secrets", connectionID+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return removeFile(path)
}

func (r *secretRepository) PutKey(_ context.Context, key *models.DataKey) error {
	path, err := r.p.path(key.TenantID, "vault", "keys", key.ID+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return writeJSON(path, key)
}

func (r *secretRepository) GetKey(_ context.Context, tenantID, id string) (*models.DataKey, error) {
	path, err := r.p.path(tenantID, "vault", "keys", id+".json")
	if err != nil {
		return nil, err
	}

	var key models.DataKey
	if err := readJSON(path, &key); err != nil {
		return nil, persistence.NewEntityError("GetKey", "data key", id, notFound(err, persistence.ErrKeyNotFound))
	}

	return &key, nil
}

func (r *secretRepository) DeleteKey(_ context.Context, tenantID, id string) error {
	path, err := r.p.path(tenantID, "vault", "keys", id+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return removeFile(path)
}
