package services

import (
	"crypto/rand"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	logaction "github.com/datachoreography/choreo/pkg/actions/log"
	"github.com/datachoreography/choreo/pkg/approval"
	"github.com/datachoreography/choreo/pkg/compliance"
	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/mocks"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/persistence/file"
	"github.com/datachoreography/choreo/pkg/registry"
	"github.com/datachoreography/choreo/pkg/vault"
)

const tenant = "acme"

type fixture struct {
	root        string
	persistence persistence.Persistence
	chain       *compliance.Chain
	bus         *mocks.MockEventBus
	workflows   *Workflow
	runs        *Run
	approvals   *Approval
	connections *Connection
	compliance  *Compliance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	root := t.TempDir()
	p := file.NewPersistence(root)

	reg := registry.NewRegistry(logger)
	require.NoError(t, reg.RegisterAction(logaction.NewActionFactory()))

	chain := compliance.NewChain(p.ComplianceRepository(), []byte("anchor-secret"), logger)
	ledger := idempotency.NewLedger(p.IdempotencyRepository(), time.Hour, logger)

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	v, err := vault.NewVault(master, p, reg, logger)
	require.NoError(t, err)

	bus := &mocks.MockEventBus{}
	collector := metrics.NewCollector()

	eng := engine.NewEngine(p, reg, v, chain, ledger, logger, engine.WithMetrics(collector))
	gate := approval.NewGate(p, chain, logger, approval.WithMetrics(collector))

	return &fixture{
		root:        root,
		persistence: p,
		chain:       chain,
		bus:         bus,
		workflows:   NewWorkflow(p, reg, ledger, chain, validator.New(), logger),
		runs:        NewRun(eng, p, logger),
		approvals:   NewApproval(gate),
		connections: NewConnection(v, ledger, chain, logger),
		compliance:  NewCompliance(chain, p, bus, collector, logger),
	}
}

func logWorkflow(name string) *models.Workflow {
	return &models.Workflow{
		Name:        name,
		TriggerType: models.TriggerTypeManual,
		Enabled:     true,
		Steps: []*models.Step{
			{Order: 0, Provider: "log", Action: "write", InputMapping: map[string]string{"message": "trigger.message"}},
		},
	}
}
