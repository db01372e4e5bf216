// Package cli implements the deployer command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crownsmarket/deployer/internal/chain"
	"github.com/crownsmarket/deployer/internal/config"
	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// rootOptions holds the global flags and the collaborators shared by
// every command.
type rootOptions struct {
	configFile string
	jsonOut    bool
	logLevel   string
	logFormat  string

	clients chain.ClientFactory
	logger  *slog.Logger
}

// NewRootCmd builds the deployer command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{clients: chain.NewEthClientFactory()})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployer",
		Short: "Deploy compiled contracts from a declarative plan",
		Long: `deployer executes an ordered deployment plan of deploy and link steps
against one configured network, stopping at the first failure.

Examples:
  deployer networks
  deployer plan --network development
  deployer migrate --network ropsten --address-book addresses.json
  deployer history show 01HQ3M4X5Y6Z7A8B9C0D1E2F3G`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: deployer.yaml in ., ./config or /etc/deployer)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newNetworksCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		jsonOut, _ := cmd.PersistentFlags().GetBool("json")
		printError(cmd.ErrOrStderr(), err, jsonOut)
	}
	return deperrors.ExitCode(err)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, deperrors.NewConfigurationError("invalid --log-level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, deperrors.NewConfigurationError("invalid --log-format %q (want text or json)", format)
	}
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(config.LoadOptions{ConfigFile: o.configFile})
}

// errorReport is the JSON shape of a failed command.
type errorReport struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Position int    `json:"position,omitempty"`
	Step     string `json:"step,omitempty"`
}

func newErrorReport(err error) errorReport {
	r := errorReport{Error: err.Error()}
	if kind, ok := deperrors.KindOf(err); ok {
		r.Kind = kind.String()
	}
	var se *plan.StepError
	if errors.As(err, &se) {
		r.Position = se.Position
		r.Step = se.Step.String()
	}
	return r
}

func printError(w io.Writer, err error, jsonOut bool) {
	r := newErrorReport(err)
	if jsonOut {
		_ = writeJSON(w, r)
		return
	}
	var se *plan.StepError
	if errors.As(err, &se) {
		fmt.Fprintf(w, "Error: step %d (%s) failed", se.Position, se.Step)
		if r.Kind != "" {
			fmt.Fprintf(w, " [%s]", r.Kind)
		}
		fmt.Fprintf(w, ": %v\n", se.Err)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
