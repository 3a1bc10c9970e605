// Package cli is the cobra command line for the archiving toolchain.
//
// Command structure:
//
//	omero-archive
//	├── sweep                 # run one pass of the workflow directories
//	├── restart               # move Error jobs back to Running
//	├── status                # show job counts per workflow directory
//	└── --config, -c          # YAML config file
//
// sweep is designed to run from cron: it takes a lock file, does as much
// work as the current state allows and exits. A sweep that finds the lock
// held exits quietly, overlapping with a long transfer is normal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aherbert/omero-archiving/internal/archive"
	"github.com/aherbert/omero-archiving/internal/arkivum"
	"github.com/aherbert/omero-archiving/internal/director"
	"github.com/aherbert/omero-archiving/internal/mailer"
	"github.com/aherbert/omero-archiving/internal/metrics"
	"github.com/aherbert/omero-archiving/internal/omero"
	"github.com/aherbert/omero-archiving/pkg/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Config maps the YAML config file.
type Config struct {
	Jobs struct {
		Dir      string `yaml:"dir"`       // root of the workflow directories
		LockFile string `yaml:"lock_file"` // sweep mutual exclusion
	} `yaml:"jobs"`

	Records struct {
		Dir string `yaml:"dir"` // root of the archive record tree
	} `yaml:"records"`

	Archive struct {
		Mode string `yaml:"mode"` // "file" or "arkivum"
		Dir  string `yaml:"dir"`  // destination root, or the appliance mount
	} `yaml:"archive"`

	Registers struct {
		Pending  string `yaml:"pending"`
		Archived string `yaml:"archived"`
	} `yaml:"registers"`

	Arkivum struct {
		Server      string   `yaml:"server"`
		Path        string   `yaml:"path"` // prefix inside the appliance
		TargetState string   `yaml:"target_state"`
		GracePeriod Duration `yaml:"grace_period"`
		WarnAfter   Duration `yaml:"warn_after"`
		Insecure    bool     `yaml:"insecure"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"arkivum"`

	Omero struct {
		URL      string   `yaml:"url"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"omero"`

	Mail struct {
		Server string   `yaml:"server"`
		From   string   `yaml:"from"`
		Admins []string `yaml:"admins"`
	} `yaml:"mail"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omero-archive",
		Short: "OMERO image archiving toolchain",
		Long: `omero-archive moves approved image files into cold storage.

Jobs are INI files moved between workflow directories (New, Approved,
Declined, Running, Finished, Error). Each sweep advances every job as far
as its transfers allow; all state is on disk, so sweeps can run from cron
and be interrupted at any point.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/archive.yaml", "config file path")

	rootCmd.AddCommand(buildSweepCommand())
	rootCmd.AddCommand(buildRestartCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the archiving workflow",
		Long: `Process every workflow directory once: advance running transfers,
activate approved jobs, retire declined jobs and summarize new ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep()
		},
	}
}

func runSweep() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	d, err := buildDirector(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		d.Metrics = metrics.NewCollector(nil)
		go func() {
			slog.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Sweep(ctx); err != nil {
		if errors.Is(err, director.ErrLocked) {
			slog.Warn("sweep already running, exiting")
			return nil
		}
		return err
	}
	return nil
}

func buildRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [job-file...]",
		Short: "Move failed jobs back to Running",
		Long: `Reset failed files to Running so the next sweep retries them. With no
arguments every job in the Error directory is restarted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			d, err := buildDirector(cfg)
			if err != nil {
				return err
			}
			n, err := d.Restart(args...)
			if err != nil {
				return err
			}
			fmt.Printf("Restarted %d job(s)\n", n)
			return nil
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per workflow directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			d, err := buildDirector(cfg)
			if err != nil {
				return err
			}
			counts, err := d.Counts()
			if err != nil {
				return err
			}

			fmt.Printf("Job root: %s\n\n", cfg.Jobs.Dir)
			for _, s := range types.JobStatuses {
				fmt.Printf("  %-10s %d\n", s, counts[s])
			}

			pending, archived, err := d.RegisterSizes()
			if err != nil {
				return err
			}
			fmt.Printf("\nRegisters:\n")
			fmt.Printf("  %-10s %d\n", "Pending", pending)
			fmt.Printf("  %-10s %d\n", "Archived", archived)
			return nil
		},
	}
}

// buildDirector wires the workflow from the config.
func buildDirector(cfg *Config) (*director.Director, error) {
	transfer := &archive.Transfer{
		LogRoot:     cfg.Records.Dir,
		ArchiveRoot: cfg.Archive.Dir,
	}

	switch cfg.Archive.Mode {
	case "", "file":
		// Local file store, verified by re-reading the copy.
	case "arkivum":
		remote, err := arkivum.New(cfg.Arkivum.Server, cfg.Arkivum.Insecure, time.Duration(cfg.Arkivum.Timeout))
		if err != nil {
			return nil, err
		}
		transfer.Remote = remote
		transfer.RemotePath = cfg.Arkivum.Path
		transfer.TargetState = cfg.Arkivum.TargetState
		transfer.GracePeriod = time.Duration(cfg.Arkivum.GracePeriod)
		transfer.WarnAfter = time.Duration(cfg.Arkivum.WarnAfter)
		if transfer.GracePeriod == 0 {
			transfer.GracePeriod = 10 * time.Minute
		}
		if transfer.WarnAfter == 0 {
			transfer.WarnAfter = 100 * time.Minute
		}
	default:
		return nil, fmt.Errorf("cli: unknown archive mode %q", cfg.Archive.Mode)
	}

	d := &director.Director{
		Root:             cfg.Jobs.Dir,
		LogRoot:          cfg.Records.Dir,
		Processor:        transfer,
		PendingRegister:  cfg.Registers.Pending,
		ArchivedRegister: cfg.Registers.Archived,
		LockFile:         cfg.Jobs.LockFile,
	}

	if cfg.Omero.URL != "" {
		tagger, err := omero.New(cfg.Omero.URL, cfg.Omero.Username, cfg.Omero.Password, time.Duration(cfg.Omero.Timeout))
		if err != nil {
			return nil, err
		}
		d.Tagger = tagger
	}
	if cfg.Mail.Server != "" {
		d.Notify = mailer.New(cfg.Mail.Server, cfg.Mail.From, cfg.Mail.Admins)
	}
	return d, nil
}

func setupLogging(cfg *Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}
