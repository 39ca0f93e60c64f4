package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/germanamz/batchman/pkg/batcher"
	"github.com/germanamz/batchman/pkg/config"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/logging"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/providers/builtin"
)

// deps holds what tests replace: the backends discovered and the
// interactive confirmation.
type deps struct {
	loaders func(disabled []string) []provider.Loader
	confirm func(title string) (bool, error)
}

func defaultDeps() deps {
	return deps{loaders: builtin.Loaders, confirm: confirmPrompt}
}

type rootFlags struct {
	configPath string
	envFile    string
	dir        string
	verbose    bool
}

// app is the state shared by every subcommand once the root has set it up.
type app struct {
	deps deps

	cfg     config.Config
	log     *slog.Logger
	closer  io.Closer
	batcher *batcher.Batcher
}

func newRootCmd(d deps) *cobra.Command {
	a := &app{deps: d}
	var flags rootFlags

	root := &cobra.Command{
		Use:           "batchman",
		Short:         "Manage LLM provider batches stored on disk",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, flags)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath, "path to configuration file (ignored if missing)")
	pf.StringVar(&flags.envFile, "env", ".env", "path to .env file (ignored if missing)")
	pf.StringVar(&flags.dir, "dir", "", "batches directory (overrides batches_dir)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to the console")

	root.AddCommand(
		newListCmd(a),
		newSyncCmd(a),
		newCancelCmd(a),
		newDownloadCmd(a),
		newResultsCmd(a),
		newDeleteCmd(a),
		newPathsCmd(a),
		newProvidersCmd(a),
	)

	return root
}

// setup loads .env and the config file, then wires logging, the config
// store, the registry and the batcher.
func (a *app) setup(cmd *cobra.Command, flags rootFlags) error {
	if err := loadDotEnv(flags.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	if flags.dir != "" {
		cfg.BatchesDir = flags.dir
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	store, err := configstore.New(cfg.ConfigStore)
	if err != nil {
		_ = closer.Close()
		return err
	}

	reg := provider.NewRegistry(store, log)
	reg.Discover(a.deps.loaders(cfg.DisabledProviders)...)

	b, err := batcher.New(cfg.BatchesDir, reg, log)
	if err != nil {
		_ = closer.Close()
		return err
	}

	a.cfg, a.log, a.closer, a.batcher = cfg, log, closer, b

	log.Debug("batchman ready", "batches_dir", b.Root(), "providers", reg.Names())

	return nil
}

func (a *app) close() error {
	if a.closer == nil {
		return nil
	}

	err := a.closer.Close()
	a.closer = nil

	return err
}

// loadDotEnv loads environment variables from path. A missing file is not
// an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

func confirmPrompt(title string) (bool, error) {
	var ok bool

	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Affirmative("Delete").Negative("Keep").Value(&ok),
	)).Run()

	return ok, err
}
