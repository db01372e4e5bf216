package executor

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crownsmarket/deployer/internal/plan"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Result is the record of one run. On failure it holds everything completed
// before the failing step.
type Result struct {
	RunID     string    `json:"run_id"`
	Network   string    `json:"network"`
	NetworkID string    `json:"network_id,omitempty"`
	From      string    `json:"from,omitempty"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is zero while the run is in progress.
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Addresses []DeployedContract `json:"addresses"`
	Links     []LinkRecord       `json:"links"`
	Steps     []StepResult       `json:"steps"`
}

// DeployedContract maps an artifact to the address a deploy step produced.
type DeployedContract struct {
	Artifact plan.ArtifactRef `json:"artifact"`
	Address  common.Address   `json:"address"`
}

// LinkRecord is a library association recorded for a target. Pending links
// have no deploy step for their target in this run.
type LinkRecord struct {
	Library plan.ArtifactRef `json:"library"`
	Target  plan.ArtifactRef `json:"target"`
	Address common.Address   `json:"address"`
	Pending bool             `json:"pending"`
}

// StepResult is the log entry of one executed step.
type StepResult struct {
	Position int              `json:"position"`
	Kind     plan.StepKind    `json:"kind"`
	Step     string           `json:"step"`
	Artifact plan.ArtifactRef `json:"artifact,omitempty"`
	Library  plan.ArtifactRef `json:"library,omitempty"`
	Target   plan.ArtifactRef `json:"target,omitempty"`

	Address     common.Address `json:"address,omitzero"`
	TxHash      common.Hash    `json:"tx_hash,omitzero"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
}

// Address returns the most recent address recorded for ref.
func (r *Result) Address(ref plan.ArtifactRef) (common.Address, bool) {
	for i := len(r.Addresses) - 1; i >= 0; i-- {
		if r.Addresses[i].Artifact == ref {
			return r.Addresses[i].Address, true
		}
	}
	return common.Address{}, false
}

// AddressBook returns artifact name to address, later deployments winning.
func (r *Result) AddressBook() map[string]string {
	book := make(map[string]string, len(r.Addresses))
	for _, d := range r.Addresses {
		book[d.Artifact.String()] = d.Address.Hex()
	}
	return book
}
