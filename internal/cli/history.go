package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
	"github.com/crownsmarket/deployer/internal/pkg/ulid"
	"github.com/crownsmarket/deployer/internal/repository"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		network string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployment runs",
		Long: `List runs recorded in the history store (store.driver sqlite or postgres).

The history is an audit log only. It never causes a step to be skipped.

Examples:
  deployer history
  deployer history --network ropsten --limit 5
  deployer history show 01HQ3M4X5Y6Z7A8B9C0D1E2F3G`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := root.openHistory(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			runs, err := repo.ListRuns(cmd.Context(), network, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				views := make([]runView, 0, len(runs))
				for _, r := range runs {
					views = append(views, newRunView(r, nil))
				}
				return writeJSON(out, map[string]any{
					"runs":  views,
					"count": len(views),
				})
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			w := newTable(out)
			printTableHeader(w, "RUN ID", "NETWORK", "STATUS", "STARTED", "DURATION", "ERROR")
			for _, r := range runs {
				errMsg := "-"
				if r.ErrorKind != nil {
					errMsg = *r.ErrorKind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RunID, r.Network, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					formatRunDuration(r),
					errMsg,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "only list runs on this network")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")

	cmd.AddCommand(newHistoryShowCmd(root))
	return cmd
}

func newHistoryShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			if !ulid.IsValid(runID) {
				return deperrors.NewConfigurationError("invalid run id %q", runID)
			}

			repo, err := root.openHistory(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx := cmd.Context()
			run, err := repo.GetRun(ctx, runID)
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("run %s not found", runID)
			}
			if err != nil {
				return err
			}
			steps, err := repo.ListSteps(ctx, runID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return writeJSON(out, newRunView(run, steps))
			}
			printRun(out, run, steps)
			return nil
		},
	}
}

// openHistory opens the configured history store.
func (o *rootOptions) openHistory(cmd *cobra.Command) (repository.Repository, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, deperrors.NewConfigurationError("no history store configured (set store.driver to sqlite or postgres)")
	}
	return repo, nil
}

// runView is the JSON shape of a recorded run.
type runView struct {
	RunID      string            `json:"run_id"`
	Network    string            `json:"network"`
	NetworkID  string            `json:"network_id,omitempty"`
	From       string            `json:"from,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Addresses  map[string]string `json:"addresses,omitempty"`
	Steps      []stepView        `json:"steps,omitempty"`
}

type stepView struct {
	Position    int    `json:"position"`
	Kind        string `json:"kind"`
	Step        string `json:"step"`
	Address     string `json:"address,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newRunView(r *repository.Run, steps []repository.Step) runView {
	v := runView{
		RunID:      r.RunID,
		Network:    r.Network,
		NetworkID:  r.NetworkID,
		From:       r.From,
		Status:     string(r.Status),
		Error:      deref(r.ErrorMessage),
		ErrorKind:  deref(r.ErrorKind),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if len(r.Addresses) > 0 {
		// A malformed address map only hides the addresses.
		_ = json.Unmarshal(r.Addresses, &v.Addresses)
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, stepView{
			Position:    s.Position,
			Kind:        s.Kind,
			Step:        s.Step,
			Address:     s.Address,
			TxHash:      s.TxHash,
			GasUsed:     s.GasUsed,
			BlockNumber: s.BlockNumber,
			DurationMS:  s.Duration.Milliseconds(),
			Error:       deref(s.ErrorMessage),
		})
	}
	return v
}

func formatRunDuration(r *repository.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func printRun(out io.Writer, r *repository.Run, steps []repository.Step) {
	fmt.Fprintf(out, "Run:        %s\n", r.RunID)
	fmt.Fprintf(out, "Network:    %s (network_id %s)\n", r.Network, r.NetworkID)
	fmt.Fprintf(out, "From:       %s\n", r.From)
	fmt.Fprintf(out, "Status:     %s\n", r.Status)
	fmt.Fprintf(out, "Started:    %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Duration:   %s\n", formatRunDuration(r))
	if r.ErrorMessage != nil {
		fmt.Fprintf(out, "Error:      %s\n", *r.ErrorMessage)
	}

	if len(steps) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := newTable(out)
	printTableHeader(w, "#", "STEP", "ADDRESS", "TX", "GAS", "RESULT")
	for _, s := range steps {
		addr, tx, gas, result := "-", "-", "-", "ok"
		if s.Address != "" {
			addr = s.Address
		}
		if s.TxHash != "" {
			tx = truncate(s.TxHash, 18)
		}
		if s.GasUsed > 0 {
			gas = fmt.Sprintf("%d", s.GasUsed)
		}
		if s.ErrorMessage != nil {
			result = "FAILED"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Position, s.Step, addr, tx, gas, result)
	}
	w.Flush()
}
