// app.go wires the shared dependencies every command needs: config, store,
// logger, executor and the orchestrator built on top of them.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/executor"
	"github.com/foreman-dev/foreman/internal/logging"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/orchestrator"
	"github.com/foreman-dev/foreman/internal/store"
)

const dbFile = "foreman.db"

// app bundles everything a command needs after initialization.
type app struct {
	root  string
	cfg   *config.Config
	store *store.Store
	orch  *orchestrator.Orchestrator
	log   *zap.SugaredLogger
}

// openApp loads config and state from the current directory. Fails when the
// project was never initialized.
func openApp() (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(root)
	if err != nil {
		return nil, fmt.Errorf(".foreman/ not found or unreadable. Run 'foreman init' first: %w", err)
	}

	log, err := logging.New(debug)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	s, err := store.NewStore(filepath.Join(config.Dir(root), dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	notifier := notify.New(cfg.Notify.WebhookURL, log)
	exec := &executor.ClaudeCLI{}
	orch := orchestrator.New(cfg, s, exec, notifier, log)

	return &app{root: root, cfg: cfg, store: s, orch: orch, log: log}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.log.Sync()
}

// projectName resolves the project argument, falling back to the configured
// project name from init.
func (a *app) projectName(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if a.cfg.Project.Name != "" {
		return a.cfg.Project.Name, nil
	}
	return "", fmt.Errorf("no project name given and none configured")
}
