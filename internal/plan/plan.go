// Package plan defines deployment plans: ordered Deploy and Link steps
// over named compiled artifacts, and their static order validation.
package plan

import (
	"fmt"
	"strings"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// ArtifactRef names a compiled unit to be deployed.
type ArtifactRef string

// NewArtifactRef normalises a reference the way artifacts are required in
// migration scripts: surrounding whitespace and a ".sol" suffix are dropped.
func NewArtifactRef(name string) ArtifactRef {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".sol")
	return ArtifactRef(name)
}

// String returns the artifact name.
func (r ArtifactRef) String() string {
	return string(r)
}

// StepKind is the tag of a Step.
type StepKind string

const (
	// StepDeploy deploys an artifact and records its address.
	StepDeploy StepKind = "deploy"
	// StepLink links a deployed library into a not-yet-deployed target.
	StepLink StepKind = "link"
)

// Step is a single plan entry. Deploy steps use Artifact and Args;
// link steps use Library and Target.
type Step struct {
	Kind     StepKind
	Artifact ArtifactRef
	Args     []any
	Library  ArtifactRef
	Target   ArtifactRef

	// Source is the plan file the step was read from, if any.
	Source string
}

// Deploy returns a deploy step for ref with optional constructor arguments.
func Deploy(ref ArtifactRef, args ...any) Step {
	return Step{Kind: StepDeploy, Artifact: ref, Args: args}
}

// Link returns a step linking library into target.
func Link(library, target ArtifactRef) Step {
	return Step{Kind: StepLink, Library: library, Target: target}
}

// String renders the step for logs and error messages.
func (s Step) String() string {
	switch s.Kind {
	case StepDeploy:
		return fmt.Sprintf("deploy %s", s.Artifact)
	case StepLink:
		return fmt.Sprintf("link %s -> %s", s.Library, s.Target)
	default:
		return fmt.Sprintf("unknown step %q", s.Kind)
	}
}

// Refs returns the artifacts the step references.
func (s Step) Refs() []ArtifactRef {
	switch s.Kind {
	case StepDeploy:
		return []ArtifactRef{s.Artifact}
	case StepLink:
		return []ArtifactRef{s.Library, s.Target}
	default:
		return nil
	}
}

// Plan is an ordered sequence of steps executed as a unit.
type Plan struct {
	Steps []Step

	// Sources lists the plan files in the order they were concatenated.
	Sources []string
}

// New creates a plan from steps.
func New(steps ...Step) *Plan {
	return &Plan{Steps: steps}
}

// Artifacts returns every referenced artifact once, in first-use order.
func (p *Plan) Artifacts() []ArtifactRef {
	seen := make(map[ArtifactRef]bool)
	var refs []ArtifactRef
	for _, s := range p.Steps {
		for _, ref := range s.Refs() {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// Validate checks the total order of the plan before anything executes.
// A link must come after its library's deploy step and before its target's
// deploy step. A target with no later deploy step is allowed: the link stays
// pending for a later plan. Violations are reported with the 1-based step
// position.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return deperrors.NewConfigurationError("deployment plan has no steps")
	}

	deployed := make(map[ArtifactRef]int)
	for i, s := range p.Steps {
		pos := i + 1
		switch s.Kind {
		case StepDeploy:
			if s.Artifact == "" {
				return &StepError{Position: pos, Step: s, Err: deperrors.NewConfigurationError("deploy step has no artifact")}
			}
			deployed[s.Artifact] = pos

		case StepLink:
			if s.Library == "" || s.Target == "" {
				return &StepError{Position: pos, Step: s, Err: deperrors.NewConfigurationError("link step needs both library and target")}
			}
			if s.Library == s.Target {
				return &StepError{Position: pos, Step: s, Err: deperrors.NewOrderViolationError("library %s cannot be linked into itself", s.Library)}
			}
			if _, ok := deployed[s.Library]; !ok {
				return &StepError{Position: pos, Step: s, Err: deperrors.NewOrderViolationError("library %s has no earlier deploy step", s.Library)}
			}
			if at, ok := deployed[s.Target]; ok {
				return &StepError{Position: pos, Step: s, Err: deperrors.NewOrderViolationError("target %s was already deployed at step %d", s.Target, at)}
			}

		default:
			return &StepError{Position: pos, Step: s, Err: deperrors.NewConfigurationError("unknown step kind %q", s.Kind)}
		}
	}

	return nil
}

// StepError reports the failing step and its 1-based position in the plan.
type StepError struct {
	Position int
	Step     Step
	Err      error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Position, e.Step, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *StepError) Unwrap() error {
	return e.Err
}
