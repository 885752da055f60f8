// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/datachoreography/choreo/pkg/actions/httprequest"
	logaction "github.com/datachoreography/choreo/pkg/actions/log"
	"github.com/datachoreography/choreo/pkg/actions/transform"
	"github.com/datachoreography/choreo/pkg/registry"
)

const httpClientTimeout = 30 * time.Second

func registerActionPlugins(reg *registry.Registry, pluginsPath string) error {
	actionPlugins, err := reg.LoadActionPlugins(pluginsPath)
	if err != nil {
		return fmt.Errorf("load action plugins: %w", err)
	}

	for _, plugin := range actionPlugins {
		if err := reg.RegisterAction(plugin); err != nil {
			return err
		}
	}

	return nil
}

func registerTesterPlugins(reg *registry.Registry, pluginsPath string) error {
	testerPlugins, err := reg.LoadTesterPlugins(pluginsPath)
	if err != nil {
		return fmt.Errorf("load tester plugins: %w", err)
	}

	for _, plugin := range testerPlugins {
		reg.RegisterTester(plugin)
	}

	return nil
}

func registerNativeActions(reg *registry.Registry, client *http.Client) error {
	if err := reg.RegisterAction(httprequest.NewActionFactory(client)); err != nil {
		return err
	}

	if err := reg.RegisterAction(transform.NewActionFactory()); err != nil {
		return err
	}

	if err := reg.RegisterAction(logaction.NewActionFactory()); err != nil {
		return err
	}

	reg.RegisterTester(httprequest.NewCredentialTester(client))

	return nil
}

// NewRegistry registers the built-in providers, then any plugins found under
// pluginsPath. An empty pluginsPath skips plugin loading.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if err := registerNativeActions(reg, &http.Client{Timeout: httpClientTimeout}); err != nil {
		return nil, err
	}

	if pluginsPath == "" {
		return reg, nil
	}

	if err := registerActionPlugins(reg, pluginsPath); err != nil {
		return nil, err
	}

	if err := registerTesterPlugins(reg, pluginsPath); err != nil {
		return nil, err
	}

	return reg, nil
}
