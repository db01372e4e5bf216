package cli

import (
	"github.com/crownsmarket/deployer/internal/artifact"
	"github.com/crownsmarket/deployer/internal/config"
	"github.com/crownsmarket/deployer/internal/plan"
)

// session is the configuration, plan and artifacts of one command.
type session struct {
	cfg     *config.Config
	profile config.NetworkProfile
	plan    *plan.Plan
	catalog *artifact.Catalog
}

// openSession loads the config, selects the network and loads the plan and
// artifact catalog. planPath defaults to the configured migrations directory.
func (o *rootOptions) openSession(network, planPath string, rng plan.Range) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	profile, err := cfg.Profile(network)
	if err != nil {
		return nil, err
	}

	if planPath == "" {
		planPath = cfg.Deployer.MigrationsDir
	}
	p, err := plan.Load(planPath, rng)
	if err != nil {
		return nil, err
	}

	catalog, err := artifact.Open(cfg.Deployer.ArtifactsDir)
	if err != nil {
		return nil, err
	}

	return &session{cfg: cfg, profile: profile, plan: p, catalog: catalog}, nil
}

func (s *session) Close() error {
	return s.catalog.Close()
}
