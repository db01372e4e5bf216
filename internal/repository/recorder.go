package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crownsmarket/deployer/internal/executor"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// Recorder writes executor progress to a Repository.
type Recorder struct {
	repo Repository
}

var _ executor.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder backed by repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// RunStarted implements executor.Recorder.
func (r *Recorder) RunStarted(ctx context.Context, res *executor.Result) error {
	return r.repo.CreateRun(ctx, &Run{
		RunID:     res.RunID,
		Network:   res.Network,
		NetworkID: res.NetworkID,
		From:      res.From,
		Status:    StatusRunning,
		StartedAt: res.StartedAt,
	})
}

// StepFinished implements executor.Recorder.
func (r *Recorder) StepFinished(ctx context.Context, res *executor.Result, s executor.StepResult) error {
	step := &Step{
		RunID:       res.RunID,
		Position:    s.Position,
		Kind:        string(s.Kind),
		Step:        s.Step,
		GasUsed:     s.GasUsed,
		BlockNumber: s.BlockNumber,
		Duration:    s.Duration,
	}
	if s.Address != (common.Address{}) {
		step.Address = s.Address.Hex()
	}
	if s.TxHash != (common.Hash{}) {
		step.TxHash = s.TxHash.Hex()
	}
	if s.Error != "" {
		msg := s.Error
		step.ErrorMessage = &msg
	}
	return r.repo.AddStep(ctx, step)
}

// RunFinished implements executor.Recorder.
func (r *Recorder) RunFinished(ctx context.Context, res *executor.Result, runErr error) error {
	addrs, err := json.Marshal(res.AddressBook())
	if err != nil {
		return fmt.Errorf("encode addresses: %w", err)
	}

	u := RunUpdate{
		Status:     Status(res.Status),
		Addresses:  addrs,
		FinishedAt: res.FinishedAt,
	}
	if runErr != nil {
		msg := runErr.Error()
		u.ErrorMessage = &msg
		if kind, ok := deperrors.KindOf(runErr); ok {
			k := kind.String()
			u.ErrorKind = &k
		}
	}
	return r.repo.FinishRun(ctx, res.RunID, u)
}
