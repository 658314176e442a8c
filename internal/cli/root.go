// Package cli 实现 scanctl 命令行：直接在本进程内运行流水线并查看会话。
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitushen/postureguard/internal/app"
	"github.com/hitushen/postureguard/internal/config"
	"github.com/hitushen/postureguard/internal/logging"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	database string
	scanner  string
	logLevel string
	logJSON  bool
}

// NewRootCommand 创建 scanctl 根命令，输出写到 out。
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "scanctl",
		Short: "Run and inspect security posture scans",
		Long: `scanctl - security posture pipeline from the command line

Runs the scan pipeline (validation, port discovery, vulnerability matching,
risk assessment, remediation and reporting) against authorized targets and
inspects stored sessions.

Only scan hosts you are authorized to test. Targets outside the configured
allow-list are rejected.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.database, "db", "", "Session database (SQLite path or postgres:// URL); overrides POSTURE_DATABASE_URL")
	flags.StringVar(&opts.scanner, "scanner", "", "Port discovery backend (naabu, nmap, none); overrides POSTURE_SCANNER")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "Emit JSON logs")

	root.AddCommand(
		newScanCommand(opts),
		newSessionsCommand(opts),
		newShowCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute 运行根命令。
func Execute() error {
	return NewRootCommand(os.Stdout).Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scanctl %s (commit: %s)\n", version, commit)
		},
	}
}

// runtime 加载配置并应用命令行覆盖项后组装流水线。
func (o *rootOptions) runtime(ctx context.Context) (*app.Runtime, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if o.database != "" {
		cfg.DatabaseURL = o.database
	}
	if o.scanner != "" {
		cfg.Scanner = o.scanner
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logJSON {
		cfg.LogJSON = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, level, cfg.LogJSON)
	slog.SetDefault(logger)

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}
