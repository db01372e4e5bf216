// Package executor runs deployment plans: static checks first, then each
// Deploy and Link step strictly in order against one network, stopping at
// the first failure.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crownsmarket/deployer/internal/artifact"
	"github.com/crownsmarket/deployer/internal/chain"
	"github.com/crownsmarket/deployer/internal/config"
	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
	"github.com/crownsmarket/deployer/internal/pkg/ulid"
)

// Network is the chain a plan executes against.
type Network interface {
	From() common.Address
	Deploy(ctx context.Context, data []byte, description string) (*chain.Deployment, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
}

// ConnectFunc connects to the selected network and verifies its id. It is
// called once per run, after every static check has passed.
type ConnectFunc func(ctx context.Context) (Network, *big.Int, error)

// Locker guards a run against concurrent runs from the same sender.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// Recorder receives run progress for the run history. Recorder failures are
// logged and never fail the run.
type Recorder interface {
	RunStarted(ctx context.Context, r *Result) error
	StepFinished(ctx context.Context, r *Result, s StepResult) error
	RunFinished(ctx context.Context, r *Result, runErr error) error
}

// Metrics observes executed steps and finished runs.
type Metrics interface {
	ObserveStep(kind plan.StepKind, d time.Duration, err error)
	ObserveRun(network string, d time.Duration, err error)
}

// Config contains the collaborators of an Executor.
type Config struct {
	Profile  config.NetworkProfile
	Compiler config.CompilerConfig
	Resolver artifact.Resolver
	Connect  ConnectFunc

	// Optional
	Locker   Locker
	Recorder Recorder
	Metrics  Metrics
	Logger   *slog.Logger
}

// Executor runs plans against one network profile. Its configuration is
// fixed at construction.
type Executor struct {
	profile  config.NetworkProfile
	compiler config.CompilerConfig
	resolver artifact.Resolver
	connect  ConnectFunc
	locker   Locker
	recorder Recorder
	metrics  Metrics
	logger   *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		profile:  cfg.Profile,
		compiler: cfg.Compiler.Normalized(),
		resolver: cfg.Resolver,
		connect:  cfg.Connect,
		locker:   cfg.Locker,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Prepared is a plan that passed every check possible without the network.
type Prepared struct {
	Plan      *plan.Plan
	Artifacts map[plan.ArtifactRef]*artifact.Artifact
}

// PendingLinks returns the link steps whose target is never deployed by the plan.
func (p *Prepared) PendingLinks() []plan.Step {
	var pending []plan.Step
	for i, s := range p.Plan.Steps {
		if s.Kind == plan.StepLink && !deployedAfter(p.Plan, s.Target, i) {
			pending = append(pending, s)
		}
	}
	return pending
}

func deployedAfter(p *plan.Plan, ref plan.ArtifactRef, idx int) bool {
	for _, s := range p.Steps[idx+1:] {
		if s.Kind == plan.StepDeploy && s.Artifact == ref {
			return true
		}
	}
	return false
}

// Prepare validates the plan order, resolves every referenced artifact,
// checks compiler settings, encodes constructor arguments and checks that
// every library a deployed contract needs is linked before it. No network
// call is made.
func (e *Executor) Prepare(p *plan.Plan) (*Prepared, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	prep := &Prepared{
		Plan:      p,
		Artifacts: make(map[plan.ArtifactRef]*artifact.Artifact),
	}

	for _, ref := range p.Artifacts() {
		a, err := e.resolver.Resolve(ref)
		if err == nil {
			err = artifact.CheckCompiler(a, e.compiler)
		}
		if err != nil {
			pos := firstUse(p, ref)
			return nil, &plan.StepError{Position: pos, Step: p.Steps[pos-1], Err: err}
		}
		prep.Artifacts[ref] = a
	}

	linked := make(map[plan.ArtifactRef]map[string]bool)
	for i, s := range p.Steps {
		pos := i + 1
		switch s.Kind {
		case plan.StepLink:
			if linked[s.Target] == nil {
				linked[s.Target] = make(map[string]bool)
			}
			linked[s.Target][s.Library.String()] = true

		case plan.StepDeploy:
			a := prep.Artifacts[s.Artifact]
			if a.Bytecode.IsEmpty() {
				return nil, &plan.StepError{Position: pos, Step: s, Err: deperrors.NewUnresolvedArtifactError(s.Artifact.String(), fmt.Errorf("no creation bytecode (interface or abstract contract?)"))}
			}
			for _, lib := range a.UnlinkedLibraries() {
				if !linked[s.Artifact][lib] {
					return nil, &plan.StepError{Position: pos, Step: s, Err: deperrors.NewUnresolvedArtifactError(s.Artifact.String(), fmt.Errorf("library %s is not linked before deployment", lib))}
				}
			}
			// Trial link with stand-in addresses: hashed placeholders only
			// resolve through link references.
			libs := make(map[string]common.Address, len(linked[s.Artifact]))
			for lib := range linked[s.Artifact] {
				libs[lib] = trialLinkAddress
			}
			if _, err := a.LinkBytecode(libs); err != nil {
				return nil, &plan.StepError{Position: pos, Step: s, Err: deperrors.NewUnresolvedArtifactError(s.Artifact.String(), err)}
			}
			if _, err := a.EncodeConstructor(s.Args); err != nil {
				return nil, &plan.StepError{Position: pos, Step: s, Err: deperrors.WrapConfiguration("constructor arguments", err)}
			}
		}
	}

	return prep, nil
}

var trialLinkAddress = common.BytesToAddress([]byte{0x01})

func firstUse(p *plan.Plan, ref plan.ArtifactRef) int {
	for i, s := range p.Steps {
		for _, r := range s.Refs() {
			if r == ref {
				return i + 1
			}
		}
	}
	return 1
}

// Run executes the plan. The returned Result is non-nil whenever the run
// reached the network, including on failure. A step failure is returned as
// a *plan.StepError.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (*Result, error) {
	prep, err := e.Prepare(p)
	if err != nil {
		return nil, err
	}
	return e.RunPrepared(ctx, prep)
}

// RunPrepared executes a plan that already passed Prepare.
func (e *Executor) RunPrepared(ctx context.Context, prep *Prepared) (result *Result, err error) {
	started := time.Now()
	result = &Result{
		RunID:     ulid.NewRunIDAt(started),
		Network:   e.profile.Name,
		Status:    RunStatusRunning,
		StartedAt: started.UTC(),
		Addresses: []DeployedContract{},
		Links:     []LinkRecord{},
		Steps:     []StepResult{},
	}
	logger := e.logger.With(slog.String("run_id", result.RunID), slog.String("network", e.profile.Name))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	network, networkID, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	result.From = network.From().Hex()
	if networkID != nil {
		result.NetworkID = networkID.String()
	}

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, LockKey(e.profile.Name, network.From()))
		if err != nil {
			return nil, err
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				logger.Warn("failed to release run lock", slog.String("error", rerr.Error()))
			}
		}()
	}

	e.record(ctx, logger, "run started", func(ctx context.Context) error {
		return e.recorder.RunStarted(ctx, result)
	})

	logger.Info("starting deployment",
		slog.Int("steps", len(prep.Plan.Steps)),
		slog.String("from", result.From),
		slog.String("network_id", result.NetworkID),
	)

	defer func() {
		result.FinishedAt = time.Now().UTC()
		if err != nil {
			result.Status = RunStatusFailed
		} else {
			result.Status = RunStatusSucceeded
		}
		e.markPending(prep, result)
		e.record(ctx, logger, "run finished", func(ctx context.Context) error {
			return e.recorder.RunFinished(ctx, result, err)
		})
		if e.metrics != nil {
			e.metrics.ObserveRun(e.profile.Name, time.Since(started), err)
		}
	}()

	state := &runState{
		addresses: make(map[plan.ArtifactRef]common.Address),
		libraries: make(map[plan.ArtifactRef]map[string]common.Address),
	}

	for i, step := range prep.Plan.Steps {
		pos := i + 1

		// Cancellation is honoured between steps only.
		if cerr := ctx.Err(); cerr != nil {
			return result, &plan.StepError{Position: pos, Step: step, Err: fmt.Errorf("run cancelled before step: %w", cerr)}
		}

		stepCtx := context.WithoutCancel(ctx)
		stepStart := time.Now()
		sr := StepResult{
			Position: pos,
			Kind:     step.Kind,
			Step:     step.String(),
			Artifact: step.Artifact,
			Library:  step.Library,
			Target:   step.Target,
		}

		var serr error
		switch step.Kind {
		case plan.StepDeploy:
			serr = e.deploy(stepCtx, network, prep, i, state, result, &sr)
		case plan.StepLink:
			serr = e.link(stepCtx, network, state, result, &sr)
		default:
			serr = deperrors.NewConfigurationError("unknown step kind %q", step.Kind)
		}

		sr.Duration = time.Since(stepStart)
		if serr != nil {
			sr.Error = serr.Error()
		}
		result.Steps = append(result.Steps, sr)

		if e.metrics != nil {
			e.metrics.ObserveStep(step.Kind, sr.Duration, serr)
		}
		e.record(ctx, logger, "step finished", func(ctx context.Context) error {
			return e.recorder.StepFinished(ctx, result, sr)
		})

		if serr != nil {
			kind, _ := deperrors.KindOf(serr)
			logger.Error("step failed",
				slog.Int("position", pos),
				slog.String("step", step.String()),
				slog.String("kind", kind.String()),
				slog.String("error", serr.Error()),
			)
			return result, &plan.StepError{Position: pos, Step: step, Err: serr}
		}

		logger.Info("step completed",
			slog.Int("position", pos),
			slog.String("step", step.String()),
			slog.Duration("duration", sr.Duration),
		)
	}

	logger.Info("deployment complete",
		slog.Int("contracts", len(result.Addresses)),
		slog.Duration("duration", time.Since(started)),
	)
	return result, nil
}

// runState is the address state of one run.
type runState struct {
	addresses map[plan.ArtifactRef]common.Address
	// libraries holds, per target, library name to address.
	libraries map[plan.ArtifactRef]map[string]common.Address
}

func (e *Executor) deploy(ctx context.Context, network Network, prep *Prepared, idx int, state *runState, result *Result, sr *StepResult) error {
	ref := sr.Artifact
	a := prep.Artifacts[ref]

	data, err := a.DeployData(state.libraries[ref], prep.Plan.Steps[idx].Args)
	if err != nil {
		return deperrors.NewUnresolvedArtifactError(ref.String(), err)
	}

	dep, err := network.Deploy(ctx, data, ref.String())
	if err != nil {
		return err
	}

	state.addresses[ref] = dep.Address
	result.Addresses = append(result.Addresses, DeployedContract{Artifact: ref, Address: dep.Address})

	sr.Address = dep.Address
	sr.TxHash = dep.TxHash
	sr.GasUsed = dep.GasUsed
	sr.BlockNumber = dep.BlockNumber
	return nil
}

func (e *Executor) link(ctx context.Context, network Network, state *runState, result *Result, sr *StepResult) error {
	addr, ok := state.addresses[sr.Library]
	if !ok {
		return deperrors.NewOrderViolationError("library %s has not been deployed in this run", sr.Library)
	}

	hasCode, err := network.HasCode(ctx, addr)
	if err != nil {
		return err
	}
	if !hasCode {
		return deperrors.WrapNetwork(fmt.Sprintf("link %s", sr.Library), fmt.Errorf("no code at %s", addr.Hex()))
	}

	if state.libraries[sr.Target] == nil {
		state.libraries[sr.Target] = make(map[string]common.Address)
	}
	state.libraries[sr.Target][sr.Library.String()] = addr

	result.Links = append(result.Links, LinkRecord{Library: sr.Library, Target: sr.Target, Address: addr})
	sr.Address = addr
	return nil
}

// markPending flags links whose target the plan never deploys.
func (e *Executor) markPending(prep *Prepared, result *Result) {
	pending := make(map[[2]plan.ArtifactRef]bool)
	for _, s := range prep.PendingLinks() {
		pending[[2]plan.ArtifactRef{s.Library, s.Target}] = true
	}
	for i := range result.Links {
		l := &result.Links[i]
		l.Pending = pending[[2]plan.ArtifactRef{l.Library, l.Target}]
	}
}

// record calls the recorder, if any, detached from cancellation.
func (e *Executor) record(ctx context.Context, logger *slog.Logger, what string, fn func(context.Context) error) {
	if e.recorder == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("failed to record run history", slog.String("event", what), slog.String("error", err.Error()))
	}
}

// LockKey returns the run lock key for a network and sender.
func LockKey(network string, from common.Address) string {
	return fmt.Sprintf("deployer:lock:%s:%s", network, from.Hex())
}
