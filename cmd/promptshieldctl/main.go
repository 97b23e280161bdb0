package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/amerfu/promptshield/cmd/promptshieldctl/commands"
	"github.com/amerfu/promptshield/internal/config"
	"github.com/amerfu/promptshield/internal/core/pricing"
	"github.com/amerfu/promptshield/internal/core/shield"
	"github.com/amerfu/promptshield/internal/core/tokenizer"
	"github.com/amerfu/promptshield/internal/logger"
)

var (
	cfgFile    string
	outputJSON bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptshieldctl",
		Short: "promptshield operator CLI",
		Long:  "Inspect and exercise a promptshield pipeline from the command line: health, dry-run simulation, and audit export.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initPipeline()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults to built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(commands.NewHealthCheckCommand())
	rootCmd.AddCommand(commands.NewSimulateCommand())
	rootCmd.AddCommand(commands.NewExportAuditCommand())

	return rootCmd
}

func initPipeline() error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	log := logger.New(cfg.Logging)

	table := pricing.New()
	table.LoadDefaults()

	tok, err := tokenizer.New()
	if err != nil {
		return fmt.Errorf("building tokenizer: %w", err)
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	p, err := shield.New(shield.Options{
		Config:    cfg,
		Logger:    log,
		Pricing:   table,
		Tokenizer: tok,
		DB:        db,
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	commands.SetPipeline(p)
	commands.SetOutputJSON(outputJSON)
	return nil
}

// openStorage opens the optional durable backend for the ledger and
// audit log; an empty driver keeps everything in-memory.
func openStorage(cfg config.StorageConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
