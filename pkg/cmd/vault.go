package cmd

import (
	"errors"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/vault"
)

var ErrMissingMasterKey = errors.New("vault master key is required")

// NewVault decodes the base64 master key and opens the credential vault.
func NewVault(masterKey string, p persistence.Persistence, tester vault.Tester, logger *slog.Logger) (*vault.Vault, error) {
	if masterKey == "" {
		return nil, ErrMissingMasterKey
	}

	master, err := vault.DecodeMasterKey(masterKey)
	if err != nil {
		return nil, err
	}

	return vault.NewVault(master, p, tester, logger)
}
