// init.go implements "foreman init": write .foreman/config.yaml and
// register the project in the state store.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/detect"
	"github.com/foreman-dev/foreman/internal/executor"
	"github.com/foreman-dev/foreman/internal/logging"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/orchestrator"
	"github.com/foreman-dev/foreman/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Initialize a foreman project in the current directory",
	Long: `Create .foreman/config.yaml, open the state store, and register the
project. The project name defaults to the directory name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var (
	sandboxFlag string
	forceFlag   bool
	webhookFlag string
)

func init() {
	initCmd.Flags().StringVar(&sandboxFlag, "sandbox", "docker", "Sandbox type: docker or none")
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Reset an existing project of the same name")
	initCmd.Flags().StringVar(&webhookFlag, "webhook", "", "Webhook URL for pause notifications")
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	name := filepath.Base(root)
	if len(args) > 0 {
		name = args[0]
	}

	if sandboxFlag != "docker" && sandboxFlag != "none" {
		return fmt.Errorf("unknown sandbox type %q (want docker or none)", sandboxFlag)
	}

	cfg, err := config.ReadConfig(root)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	cfg.Project.Name = name
	cfg.Project.Dir = root
	cfg.Sandbox.Type = sandboxFlag
	if webhookFlag != "" {
		cfg.Notify.WebhookURL = webhookFlag
	}

	if err := config.WriteConfig(root, cfg); err != nil {
		return err
	}

	log, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	s, err := store.NewStore(filepath.Join(config.Dir(root), dbFile))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer s.Close()

	orch := orchestrator.New(cfg, s, &executor.ClaudeCLI{}, notify.New(cfg.Notify.WebhookURL, log), log)
	if _, err := orch.CreateProject(name, root, nil, forceFlag); err != nil {
		if errors.Is(err, store.ErrProjectExists) {
			return fmt.Errorf("project %q already exists (use --force to reset)", name)
		}
		return err
	}

	fmt.Printf("Initialized foreman project %q\n", name)
	fmt.Printf("  config:  %s\n", filepath.Join(config.Dir(root), "config.yaml"))
	fmt.Printf("  sandbox: %s\n", sandboxFlag)
	if stack := detect.DetectStack(root); !stack.Empty() {
		fmt.Printf("  stack:   %s (%s)\n", stack.Language, stack.PackageManager)
	}
	fmt.Println("\nNext: 'foreman run' to plan the project and start working.")
	return nil
}
