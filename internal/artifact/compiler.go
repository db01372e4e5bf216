package artifact

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/crownsmarket/deployer/internal/config"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// CheckCompiler verifies the artifact was built with settings the
// configuration allows. Artifacts without compiler information pass.
// Optimizer runs are only compared when the optimizer is enabled.
func CheckCompiler(a *Artifact, cc config.CompilerConfig) error {
	cc = cc.Normalized()

	if raw := a.CompilerVersion(); raw != "" {
		constraint, err := cc.Constraint()
		if err != nil {
			return deperrors.WrapConfiguration("compilers.solc.version", err)
		}
		v, err := parseSolcVersion(raw)
		if err != nil {
			return deperrors.NewConfigurationError("%s: unrecognised compiler version %q", a.ContractName, raw)
		}
		if !constraint.Check(v) {
			return deperrors.NewConfigurationError("%s was compiled with solc %s, configuration requires %s", a.ContractName, v, cc.Version)
		}
	}

	opt := a.Metadata.Settings.Optimizer
	if opt == nil {
		return nil
	}
	if opt.Enabled != cc.Optimizer.Enabled {
		return deperrors.NewConfigurationError("%s was compiled with optimizer enabled=%t, configuration has enabled=%t", a.ContractName, opt.Enabled, cc.Optimizer.Enabled)
	}
	if cc.Optimizer.Enabled && opt.Runs != cc.Optimizer.Runs {
		return deperrors.NewConfigurationError("%s was compiled with %d optimizer runs, configuration has %d", a.ContractName, opt.Runs, cc.Optimizer.Runs)
	}
	return nil
}

// parseSolcVersion parses versions such as "0.8.0+commit.c7dfd78e.Emscripten.clang"
// or "v0.8.19". Build metadata is dropped so constraints match on the release.
func parseSolcVersion(raw string) (*semver.Version, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if i := strings.IndexByte(raw, '+'); i >= 0 {
		raw = raw[:i]
	}
	return semver.NewVersion(raw)
}
