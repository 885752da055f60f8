// Package registry maps (provider, action) pairs to action factories.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/protocol"
)

var (
	ErrUnknownAction   = faults.Validation("registry", "unknown_action", "provider action not registered")
	ErrUnknownProvider = faults.Validation("registry", "unknown_provider", "provider not registered")
	ErrDuplicateAction = errors.New("provider action already registered")
	ErrInvalidPlugin   = errors.New("plugin symbol has unexpected type")
	ErrEmptyRegistry   = errors.New("no actions registered")
)

// Key identifies an action.
type Key struct {
	Provider string
	Action   string
}

func (k Key) String() string {
	return k.Provider + "." + k.Action
}

// Descriptor describes a registered action.
type Descriptor struct {
	Provider    string         `json:"provider"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

type Registry struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	actions map[Key]protocol.ActionFactory
	schemas map[Key]*gojsonschema.Schema
	testers map[string]protocol.CredentialTester
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:  log.With("module", "registry"),
		actions: make(map[Key]protocol.ActionFactory),
		schemas: make(map[Key]*gojsonschema.Schema),
		testers: make(map[string]protocol.CredentialTester),
	}
}

// RegisterAction adds a factory. Its schema is compiled once here.
func (r *Registry) RegisterAction(factory protocol.ActionFactory) error {
	key := Key{Provider: factory.Provider(), Action: factory.Action()}

	var schema *gojsonschema.Schema

	if s := factory.Schema(); s != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s))
		if err != nil {
			return fmt.Errorf("invalid schema for %s: %w", key, err)
		}

		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[key]; exists {
		return fmt.Errorf("%s: %w", key, ErrDuplicateAction)
	}

	r.actions[key] = factory
	r.schemas[key] = schema

	r.logger.Debug("Registered action", "provider", key.Provider, "action", key.Action)

	return nil
}

// RegisterTester adds a credential tester for a provider, replacing any previous one.
func (r *Registry) RegisterTester(tester protocol.CredentialTester) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.testers[tester.Provider()] = tester
}

// Has reports whether the action is registered.
func (r *Registry) Has(provider, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.actions[Key{Provider: provider, Action: action}]

	return ok
}

// HasProvider reports whether at least one action or a tester exists for provider.
func (r *Registry) HasProvider(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.testers[provider]; ok {
		return true
	}

	for key := range r.actions {
		if key.Provider == provider {
			return true
		}
	}

	return false
}

// CreateAction instantiates the action registered for (provider, action).
func (r *Registry) CreateAction(provider, action string) (protocol.Action, error) {
	r.mu.RLock()
	factory, ok := r.actions[Key{Provider: provider, Action: action}]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", provider, action, ErrUnknownAction)
	}

	return factory.Create(r.logger)
}

// ValidateParams checks resolved params against the action schema.
func (r *Registry) ValidateParams(provider, action string, params map[string]any) error {
	key := Key{Provider: provider, Action: action}

	r.mu.RLock()
	_, ok := r.actions[key]
	schema := r.schemas[key]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%s: %w", key, ErrUnknownAction)
	}

	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return faults.Validation("ValidateParams", "invalid_params", fmt.Sprintf("%s: %v", key, err))
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return faults.Validation("ValidateParams", "invalid_params",
			fmt.Sprintf("%s: %s", key, strings.Join(errs, "; ")))
	}

	return nil
}

// TestCredentials runs the provider's credential tester. Providers without a
// tester accept any non-empty credentials.
func (r *Registry) TestCredentials(ctx context.Context, provider string, credentials models.Credentials) error {
	if !r.HasProvider(provider) {
		return fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}

	r.mu.RLock()
	tester, ok := r.testers[provider]
	r.mu.RUnlock()

	if !ok {
		if len(credentials) == 0 {
			return faults.Validation("TestCredentials", "empty_credentials", "credentials are empty")
		}

		return nil
	}

	return tester.Test(ctx, credentials)
}

// Actions lists the registered actions sorted by provider then action.
func (r *Registry) Actions() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.actions))
	for key, factory := range r.actions {
		out = append(out, Descriptor{
			Provider:    key.Provider,
			Action:      key.Action,
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	slices.SortFunc(out, func(a, b Descriptor) int {
		if c := strings.Compare(a.Provider, b.Provider); c != 0 {
			return c
		}

		return strings.Compare(a.Action, b.Action)
	})

	return out
}

// HealthCheck fails when nothing is registered.
func (r *Registry) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.actions) == 0 {
		return ErrEmptyRegistry
	}

	return nil
}

// LoadActionPlugins opens every .so under <pluginsPath>/actions and returns the
// factories exported as the "Action" symbol.
func (r *Registry) LoadActionPlugins(pluginsPath string) ([]protocol.ActionFactory, error) {
	return loadPlugin[protocol.ActionFactory](r.logger, pluginsPath, "Action")
}

// LoadTesterPlugins opens every .so under <pluginsPath>/testers and returns the
// testers exported as the "Tester" symbol.
func (r *Registry) LoadTesterPlugins(pluginsPath string) ([]protocol.CredentialTester, error) {
	return loadPlugin[protocol.CredentialTester](r.logger, pluginsPath, "Tester")
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, strings.ToLower(symbolName)+"s")

	if _, err := os.Stat(rootPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))
	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup %s in plugin %s: %w", symbolName, p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: %w", p, ErrInvalidPlugin)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
