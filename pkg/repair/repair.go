// Package repair implements the repair bounty flow: detecting lost or
// corrupt shards, escrowing a bounty for their re-supply, verifying a
// repairer's submission against the original commitment and paying the
// bounty exactly once.
package repair

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("repair")

// Escrow is the ledger account holding posted bounties.
const Escrow model.Address = "repair-escrow"

// LeafSource resolves the committed shard hashes for a manifest root.
type LeafSource interface {
	Leaves(root model.Root) ([]merkle.Hash, error)
}

// ShardStore is the provider data endpoint the coordinator scans and
// writes repaired shards back through.
type ShardStore interface {
	FetchShard(root model.Root, index uint64) ([]byte, error)
	StoreShard(root model.Root, index uint64, data []byte) error
}

type taskState struct {
	task   model.RepairTask
	funder model.Address
}

// Coordinator manages repair tasks. A single mutex serializes task
// transitions so a bounty can never pay twice.
type Coordinator struct {
	bank   *chain.Bank
	leaves LeafSource
	shards ShardStore

	mu    sync.Mutex
	tasks map[uuid.UUID]*taskState
}

func NewCoordinator(bank *chain.Bank, leaves LeafSource, shards ShardStore) *Coordinator {
	return &Coordinator{
		bank:   bank,
		leaves: leaves,
		shards: shards,
		tasks:  make(map[uuid.UUID]*taskState),
	}
}

// DetectLoss scans the stored shards of a manifest and returns the
// indices that are missing or no longer hash to their commitment.
func (c *Coordinator) DetectLoss(root model.Root) ([]uint64, error) {
	leaves, err := c.leaves.Leaves(root)
	if err != nil {
		return nil, fmt.Errorf("resolving leaves for %s: %w", root, err)
	}
	var lost []uint64
	for i, want := range leaves {
		data, err := c.shards.FetchShard(root, uint64(i))
		if errors.Is(err, model.ErrNotFound) {
			lost = append(lost, uint64(i))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching shard %d of %s: %w", i, root, err)
		}
		if merkle.Sum(data) != want {
			lost = append(lost, uint64(i))
		}
	}
	return lost, nil
}

// CreateRepairTask escrows a bounty for re-supplying the lost shards.
func (c *Coordinator) CreateRepairTask(funder model.Address, root model.Root, lostIndices []uint64, bounty uint64) (model.RepairTask, error) {
	if len(lostIndices) == 0 || bounty == 0 {
		return model.RepairTask{}, fmt.Errorf("repair task needs lost indices and a bounty: %w", model.ErrMalformedInput)
	}
	leaves, err := c.leaves.Leaves(root)
	if err != nil {
		return model.RepairTask{}, fmt.Errorf("resolving leaves for %s: %w", root, err)
	}
	for _, idx := range lostIndices {
		if idx >= uint64(len(leaves)) {
			return model.RepairTask{}, fmt.Errorf("lost index %d out of range: %w", idx, model.ErrMalformedInput)
		}
	}
	if err := c.bank.Transfer(funder, Escrow, bounty); err != nil {
		return model.RepairTask{}, fmt.Errorf("escrowing bounty: %w", err)
	}
	task := model.RepairTask{
		ID:               uuid.New(),
		Root:             root,
		LostShardIndices: append([]uint64(nil), lostIndices...),
		Bounty:           bounty,
		Status:           model.RepairOpen,
		CreatedAt:        time.Now(),
	}
	c.mu.Lock()
	c.tasks[task.ID] = &taskState{task: task, funder: funder}
	c.mu.Unlock()
	log.Infow("repair task created", "task", task.ID, "root", root, "lost", lostIndices, "bounty", bounty)
	return task, nil
}

// Task returns a snapshot of the repair task.
func (c *Coordinator) Task(id uuid.UUID) (model.RepairTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[id]
	if !ok {
		return model.RepairTask{}, fmt.Errorf("repair task %s: %w", id, model.ErrNotFound)
	}
	return st.task, nil
}

// OpenTasks lists every task still awaiting a valid submission.
func (c *Coordinator) OpenTasks() []model.RepairTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.RepairTask
	for _, st := range c.tasks {
		if st.task.Status == model.RepairOpen {
			out = append(out, st.task)
		}
	}
	return out
}

// SubmitRepair verifies re-supplied shards against the original
// commitment at each claimed index. Every lost index must be covered and
// every supplied shard must hash into the manifest root; otherwise the
// submission is rejected and the task stays open for another claimant.
// On success the shards are stored, the bounty pays the repairer once,
// and the task resolves.
func (c *Coordinator) SubmitRepair(id uuid.UUID, repairer model.Address, shards map[uint64][]byte) (model.RepairTask, error) {
	c.mu.Lock()
	st, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return model.RepairTask{}, fmt.Errorf("repair task %s: %w", id, model.ErrNotFound)
	}
	if st.task.Status != model.RepairOpen {
		snap := st.task
		c.mu.Unlock()
		return snap, fmt.Errorf("repair task %s is %s: %w", id, snap.Status, model.ErrMalformedInput)
	}
	snap := st.task
	c.mu.Unlock()

	leaves, err := c.leaves.Leaves(snap.Root)
	if err != nil {
		return snap, fmt.Errorf("resolving leaves for %s: %w", snap.Root, err)
	}
	root := model.Hash(snap.Root)
	for _, idx := range snap.LostShardIndices {
		data, ok := shards[idx]
		if !ok {
			return snap, fmt.Errorf("submission missing shard %d: %w", idx, model.ErrRepairProofInvalid)
		}
		proof, err := merkle.BuildProof(leaves, idx)
		if err != nil {
			return snap, fmt.Errorf("building branch for shard %d: %w", idx, err)
		}
		if merkle.Sum(data) != proof.Leaf {
			return snap, fmt.Errorf("shard %d does not hash to its commitment: %w", idx, model.ErrRepairProofInvalid)
		}
		if err := merkle.VerifyProof(root, proof, len(leaves)); err != nil {
			return snap, fmt.Errorf("shard %d branch check: %w", idx, model.ErrRepairProofInvalid)
		}
	}

	// verification passed; settle the task exactly once
	c.mu.Lock()
	if st.task.Status != model.RepairOpen {
		snap = st.task
		c.mu.Unlock()
		return snap, fmt.Errorf("repair task %s is %s: %w", id, snap.Status, model.ErrMalformedInput)
	}
	st.task.Status = model.RepairResolved
	st.task.Claimant = repairer
	snap = st.task
	c.mu.Unlock()

	for _, idx := range snap.LostShardIndices {
		if err := c.shards.StoreShard(snap.Root, idx, shards[idx]); err != nil {
			log.Errorw("storing repaired shard failed", "task", id, "index", idx, "error", err)
		}
	}
	if err := c.bank.Transfer(Escrow, repairer, snap.Bounty); err != nil {
		log.Errorw("bounty payout failed", "task", id, "repairer", repairer, "error", err)
	}
	log.Infow("repair task resolved", "task", id, "repairer", repairer, "bounty", snap.Bounty)
	return snap, nil
}

// ExpireTask closes an open task and refunds the bounty to its funder.
func (c *Coordinator) ExpireTask(id uuid.UUID) (model.RepairTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[id]
	if !ok {
		return model.RepairTask{}, fmt.Errorf("repair task %s: %w", id, model.ErrNotFound)
	}
	if st.task.Status != model.RepairOpen {
		return st.task, fmt.Errorf("repair task %s is %s: %w", id, st.task.Status, model.ErrMalformedInput)
	}
	if err := c.bank.Transfer(Escrow, st.funder, st.task.Bounty); err != nil {
		return st.task, fmt.Errorf("refunding bounty: %w", err)
	}
	st.task.Status = model.RepairExpired
	return st.task, nil
}
