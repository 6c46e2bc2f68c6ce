package scheduler

import (
	"context"

	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

// LeafSource resolves shard commitments for proof construction.
type LeafSource interface {
	Leaves(root model.Root) ([]merkle.Hash, error)
}

// LocalProver answers challenges from locally held commitments. It
// stands in for the provider data endpoint when scheduler and provider
// share a process.
type LocalProver struct {
	leaves LeafSource
}

func NewLocalProver(leaves LeafSource) *LocalProver {
	return &LocalProver{leaves: leaves}
}

func (p *LocalProver) Prove(ctx context.Context, root model.Root, index uint64) (merkle.Proof, error) {
	if err := ctx.Err(); err != nil {
		return merkle.Proof{}, err
	}
	leaves, err := p.leaves.Leaves(root)
	if err != nil {
		return merkle.Proof{}, err
	}
	return merkle.BuildProof(leaves, index)
}
