package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/auditctl/output"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/store"
	"github.com/telekom/audit-trail/pkg/system"
)

// DefaultConfigPath is read when neither --config nor AUDITCTL_CONFIG is set.
const DefaultConfigPath = "audit.yaml"

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
	// Logger overrides the logger built from --verbose.
	Logger *zap.Logger
}

type runtimeState struct {
	configPath   string
	cfg          *config.Config
	outputFormat string
	verbose      bool
	writer       io.Writer
	logger       *zap.Logger
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   DefaultConfigPath,
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter, logger: cfg.Logger}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and verify the audit trail",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if env := os.Getenv("AUDITCTL_CONFIG"); env != "" && !cmd.Flags().Changed("config") {
				rt.configPath = env
			}
			if rt.configPath == "" {
				rt.configPath = DefaultConfigPath
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("AUDITCTL_OUTPUT")
			}
			if !rt.verbose {
				rt.verbose = strings.EqualFold(os.Getenv("AUDITCTL_VERBOSE"), "true")
			}

			if cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			if rt.logger == nil {
				logger, err := system.NewLogger(rt.verbose || cfg.Logging.Debug)
				if err != nil {
					return err
				}
				rt.logger = logger
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, wide, json, yaml")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewMigrateCommand(),
		NewListCommand(),
		NewShowCommand(),
		NewVerifyCommand(),
		NewConfigCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) OutputFormat() (output.Format, error) {
	return output.ParseFormat(rt.outputFormat)
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) Logger() *zap.Logger {
	if rt.logger != nil {
		return rt.logger
	}
	return zap.NewNop()
}

// openStore opens the configured database. The caller closes it.
func (rt *runtimeState) openStore(ctx context.Context) (*store.Store, error) {
	if rt.cfg == nil {
		return nil, errors.New("config not loaded")
	}
	db := rt.cfg.Transports.Database
	return store.Open(ctx, store.Options{
		Driver:      db.Driver,
		DSN:         db.DSN,
		TablePrefix: db.TablePrefix,
		TableSuffix: db.TableSuffix,
	}, rt.Logger())
}
