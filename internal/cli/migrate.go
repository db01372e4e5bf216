package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/crownsmarket/deployer/internal/chain"
	"github.com/crownsmarket/deployer/internal/executor"
	"github.com/crownsmarket/deployer/internal/lock"
	"github.com/crownsmarket/deployer/internal/metrics"
	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
	"github.com/crownsmarket/deployer/internal/repository"
)

type migrateOptions struct {
	network     string
	planPath    string
	from        int
	to          int
	addressBook string
	metricsFile string
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Execute the deployment plan against a network",
		Long: `Execute every step of the deployment plan, in order, against the selected
network. The run stops at the first failing step and reports its position.

Every run deploys fresh contracts: nothing is skipped because an earlier run
already deployed it.

Examples:
  deployer migrate --network development
  deployer migrate --network ropsten --plan migrations/2_deploy_contracts.yaml
  deployer migrate --network ropsten --from 2 --address-book build/addresses.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.network, "network", "n", "", "network profile to deploy to (default \"development\")")
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan file or directory of numbered plan files (default: deployer.migrations_dir)")
	cmd.Flags().IntVarP(&opts.from, "from", "f", 0, "first numbered plan file to run")
	cmd.Flags().IntVar(&opts.to, "to", 0, "last numbered plan file to run")
	cmd.Flags().StringVar(&opts.addressBook, "address-book", "", "write deployed addresses as JSON to this file")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this file")
	return cmd
}

// addressBook is the file written by --address-book.
type addressBook struct {
	RunID     string            `json:"run_id"`
	Network   string            `json:"network"`
	NetworkID string            `json:"network_id,omitempty"`
	Status    string            `json:"status"`
	Contracts map[string]string `json:"contracts"`
}

func runMigrate(cmd *cobra.Command, root *rootOptions, opts *migrateOptions) error {
	ctx := cmd.Context()
	logger := root.logger

	s, err := root.openSession(opts.network, opts.planPath, plan.Range{From: opts.from, To: opts.to})
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := executor.Config{
		Profile:  s.profile,
		Compiler: s.cfg.Compilers.Solc,
		Resolver: s.catalog,
		Locker:   lock.Noop{},
		Logger:   logger,
	}

	repo, err := repository.Open(ctx, s.cfg.Store)
	if err != nil {
		return err
	}
	if repo != nil {
		defer repo.Close()
		cfg.Recorder = repository.NewRecorder(repo)
	}

	if s.cfg.Lock.Enabled() {
		rl, err := lock.NewRedis(ctx, s.cfg.Lock)
		if err != nil {
			return err
		}
		defer rl.Close()
		cfg.Locker = rl
	}

	m := metrics.New()
	cfg.Metrics = m

	var client chain.Client
	defer func() {
		if client != nil {
			client.Close()
		}
	}()
	cfg.Connect = func(ctx context.Context) (executor.Network, *big.Int, error) {
		rpcURL := s.profile.RPCURL()
		c, err := root.clients.Dial(ctx, rpcURL)
		if err != nil {
			return nil, nil, deperrors.WrapNetwork(fmt.Sprintf("connect to %s", rpcURL), err)
		}
		client = c

		newSigner := func(chainID *big.Int) (chain.Signer, error) {
			return chain.NewSigner(s.cfg.Signer, s.profile.From, chainID)
		}
		d, networkID, err := chain.Connect(ctx, c, s.profile, newSigner, chain.DeployerConfig{
			Gas:            s.profile.Gas,
			GasPrice:       s.profile.GasPrice,
			CallTimeout:    s.cfg.Deployer.CallTimeout,
			ReceiptTimeout: s.cfg.Deployer.ReceiptTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, networkID, nil
	}

	result, runErr := executor.New(cfg).Run(ctx, s.plan)

	if result != nil && opts.addressBook != "" {
		book := addressBook{
			RunID:     result.RunID,
			Network:   result.Network,
			NetworkID: result.NetworkID,
			Status:    string(result.Status),
			Contracts: result.AddressBook(),
		}
		if err := writeJSONFile(opts.addressBook, book); err != nil {
			if runErr == nil {
				return fmt.Errorf("write address book: %w", err)
			}
			logger.Warn("failed to write address book", slog.String("path", opts.addressBook), slog.String("error", err.Error()))
		}
	}

	if opts.metricsFile != "" {
		if err := m.WriteTextfile(opts.metricsFile); err != nil {
			logger.Warn("failed to write metrics file", slog.String("path", opts.metricsFile), slog.String("error", err.Error()))
		}
	}

	if result != nil {
		out := cmd.OutOrStdout()
		if root.jsonOut {
			if err := writeJSON(out, result); err != nil {
				return err
			}
		} else {
			printResult(out, result)
		}
	}
	return runErr
}

func printResult(out io.Writer, r *executor.Result) {
	if len(r.Steps) > 0 {
		w := newTable(out)
		printTableHeader(w, "#", "STEP", "ADDRESS", "TX", "GAS", "DURATION")
		for _, st := range r.Steps {
			addr, tx, gas := "-", "-", "-"
			if st.Address != (common.Address{}) {
				addr = st.Address.Hex()
			}
			if st.TxHash != (common.Hash{}) {
				tx = truncate(st.TxHash.Hex(), 18)
			}
			if st.GasUsed > 0 {
				gas = fmt.Sprintf("%d", st.GasUsed)
			}
			status := st.Duration.Round(time.Millisecond).String()
			if st.Error != "" {
				status = "FAILED"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", st.Position, st.Step, addr, tx, gas, status)
		}
		w.Flush()
	}

	for _, l := range r.Links {
		if l.Pending {
			fmt.Fprintf(out, "Pending link: %s -> %s (%s) has no deploy of %s in this plan\n", l.Library, l.Target, l.Address.Hex(), l.Target)
		}
	}

	fmt.Fprintf(out, "\nRun %s on %s (network_id %s, from %s): %s, %d contract(s) deployed\n",
		r.RunID, r.Network, r.NetworkID, r.From, r.Status, len(r.Addresses))
}
