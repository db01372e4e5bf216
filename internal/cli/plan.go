package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crownsmarket/deployer/internal/executor"
	"github.com/crownsmarket/deployer/internal/plan"
)

type planOptions struct {
	network  string
	planPath string
	from     int
	to       int
}

func newPlanCmd(root *rootOptions) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Check the deployment plan without touching the network",
		Long: `Validate step order, resolve every artifact, check compiler settings and
encode constructor arguments. No network call is made.

Examples:
  deployer plan --network development
  deployer plan --plan migrations/2_deploy_contracts.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.network, "network", "n", "", "network profile whose settings apply (default \"development\")")
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan file or directory of numbered plan files (default: deployer.migrations_dir)")
	cmd.Flags().IntVarP(&opts.from, "from", "f", 0, "first numbered plan file to check")
	cmd.Flags().IntVar(&opts.to, "to", 0, "last numbered plan file to check")
	return cmd
}

// planReport is the dry-run output.
type planReport struct {
	Network      string        `json:"network"`
	Sources      []string      `json:"sources,omitempty"`
	Steps        []plannedStep `json:"steps"`
	PendingLinks []string      `json:"pending_links"`
}

type plannedStep struct {
	Position  int      `json:"position"`
	Kind      string   `json:"kind"`
	Step      string   `json:"step"`
	Compiler  string   `json:"compiler,omitempty"`
	Libraries []string `json:"libraries,omitempty"`
}

func runPlan(cmd *cobra.Command, root *rootOptions, opts *planOptions) error {
	s, err := root.openSession(opts.network, opts.planPath, plan.Range{From: opts.from, To: opts.to})
	if err != nil {
		return err
	}
	defer s.Close()

	exec := executor.New(executor.Config{
		Profile:  s.profile,
		Compiler: s.cfg.Compilers.Solc,
		Resolver: s.catalog,
		Logger:   root.logger,
	})
	prep, err := exec.Prepare(s.plan)
	if err != nil {
		return err
	}

	report := planReport{
		Network:      s.profile.Name,
		Sources:      s.plan.Sources,
		Steps:        make([]plannedStep, 0, len(s.plan.Steps)),
		PendingLinks: []string{},
	}
	for i, st := range s.plan.Steps {
		ps := plannedStep{Position: i + 1, Kind: string(st.Kind), Step: st.String()}
		if st.Kind == plan.StepDeploy {
			a := prep.Artifacts[st.Artifact]
			ps.Compiler = a.Compiler.Version
			ps.Libraries = a.UnlinkedLibraries()
		}
		report.Steps = append(report.Steps, ps)
	}
	for _, st := range prep.PendingLinks() {
		report.PendingLinks = append(report.PendingLinks, st.String())
	}

	out := cmd.OutOrStdout()
	if root.jsonOut {
		return writeJSON(out, report)
	}
	return printPlan(out, report)
}

func printPlan(out io.Writer, r planReport) error {
	w := newTable(out)
	printTableHeader(w, "#", "STEP", "COMPILER", "LIBRARIES")
	for _, st := range r.Steps {
		compiler, libs := "-", "-"
		if st.Compiler != "" {
			compiler = truncate(st.Compiler, 24)
		}
		if len(st.Libraries) > 0 {
			libs = strings.Join(st.Libraries, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Position, st.Step, compiler, libs)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, l := range r.PendingLinks {
		fmt.Fprintf(out, "Pending link: %s (target is not deployed by this plan)\n", l)
	}
	fmt.Fprintf(out, "\nPlan OK: %d step(s) for network %s\n", len(r.Steps), r.Network)
	return nil
}
