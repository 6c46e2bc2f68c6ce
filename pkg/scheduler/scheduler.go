// Package scheduler drives the per-epoch proof cycle: for every active
// deal it samples a shard index, issues the challenge, collects the
// provider's proof within a bounded window and submits it for
// settlement. Outcomes are appended to CSV audit logs.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-storage/quarry/pkg/deal"
	"github.com/quarry-storage/quarry/pkg/eventlog"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
	"github.com/quarry-storage/quarry/pkg/seal"
)

var log = logging.Logger("scheduler")

// ProofSource answers sampling challenges on behalf of a provider.
type ProofSource interface {
	Prove(ctx context.Context, root model.Root, index uint64) (merkle.Proof, error)
}

// ManifestSource resolves manifests for scheduled deals.
type ManifestSource interface {
	Manifest(root model.Root) (model.Manifest, error)
}

// SampleIndex picks the shard to challenge for (root, epoch). Both the
// scheduler and any observer derive the same index, so sampling is
// auditable without trusting the scheduler.
func SampleIndex(root model.Root, epoch uint64, shardCount uint32) uint64 {
	h := sha256.New()
	h.Write(root[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h.Write(buf[:])
	digest := h.Sum(nil)
	return binary.BigEndian.Uint64(digest[:8]) % uint64(shardCount)
}

// Scheduler runs the epoch proof loop.
type Scheduler struct {
	ledger     *deal.Ledger
	seals      *seal.Engine
	manifests  ManifestSource
	prover     ProofSource
	clock      deal.EpochClock
	window     time.Duration
	epochEvery time.Duration
	maxPar     int

	challenges eventlog.Appender[model.ChallengeRecord]
	payouts    eventlog.Appender[model.PayoutRecord]
}

// Config wires a scheduler. ChallengeLog and PayoutLog may be nil when
// no audit trail is wanted.
type Config struct {
	Ledger        *deal.Ledger
	Seals         *seal.Engine
	Manifests     ManifestSource
	Prover        ProofSource
	Clock         deal.EpochClock
	Window        time.Duration
	EpochDuration time.Duration
	MaxParallel   int
	ChallengeLog  eventlog.Appender[model.ChallengeRecord]
	PayoutLog     eventlog.Appender[model.PayoutRecord]
}

func New(cfg Config) *Scheduler {
	maxPar := cfg.MaxParallel
	if maxPar <= 0 {
		maxPar = 8
	}
	return &Scheduler{
		ledger:     cfg.Ledger,
		seals:      cfg.Seals,
		manifests:  cfg.Manifests,
		prover:     cfg.Prover,
		clock:      cfg.Clock,
		window:     cfg.Window,
		epochEvery: cfg.EpochDuration,
		maxPar:     maxPar,
		challenges: cfg.ChallengeLog,
		payouts:    cfg.PayoutLog,
	}
}

// Run ticks once per epoch duration until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.epochEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunEpoch(ctx); err != nil {
				log.Errorw("epoch run failed", "error", err)
			}
		}
	}
}

// RunEpoch challenges every active deal once and settles the outcomes.
// Deals are handled in parallel; a deal whose provider does not answer
// within the response window is settled as a miss.
func (s *Scheduler) RunEpoch(ctx context.Context) error {
	deals := s.ledger.ListDeals()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxPar)
	for _, d := range deals {
		if d.Status != model.DealActive {
			continue
		}
		d := d
		g.Go(func() error {
			s.challengeDeal(ctx, d)
			return nil
		})
	}
	err := g.Wait()
	if s.seals != nil {
		if n := s.seals.ExpireOverdue(); n > 0 {
			log.Warnw("overdue seal challenges slashed", "count", n)
		}
	}
	return err
}

func (s *Scheduler) challengeDeal(ctx context.Context, d model.Deal) {
	m, err := s.manifests.Manifest(d.Root)
	if err != nil {
		log.Errorw("manifest lookup failed", "deal", d.ID, "root", d.Root, "error", err)
		return
	}
	epoch := s.clock.CurrentEpoch()
	ch, err := s.ledger.RegisterChallenge(d.ID, SampleIndex(d.Root, epoch, m.ShardCount))
	if err != nil {
		// the epoch was already challenged (restart, concurrent run)
		log.Debugw("challenge not issued", "deal", d.ID, "error", err)
		return
	}
	s.logChallenge(d, ch)

	proveCtx, cancel := context.WithTimeout(ctx, s.window)
	proof, err := s.prover.Prove(proveCtx, d.Root, ch.SampleIndex)
	cancel()
	if err != nil {
		log.Warnw("proof not produced in window", "deal", d.ID, "epoch", ch.Epoch, "error", err)
		if merr := s.ledger.RecordMiss(d.ID); merr != nil {
			log.Errorw("recording miss failed", "deal", d.ID, "error", merr)
		}
		s.logPayout(d, ch, 0, err)
		return
	}

	salted := merkle.NewSaltedProof(proof, ch.Salt)
	amount, err := s.ledger.StreamPayoutV2(d.ID, salted)
	if err != nil && !errors.Is(err, model.ErrEpochAlreadySettled) {
		log.Warnw("settlement rejected", "deal", d.ID, "epoch", ch.Epoch, "error", err)
	}
	s.logPayout(d, ch, amount, err)
}

func (s *Scheduler) logChallenge(d model.Deal, ch model.ProofChallenge) {
	if s.challenges == nil {
		return
	}
	rec := model.ChallengeRecord{
		ID:          uuid.New(),
		DealID:      d.ID,
		Root:        d.Root,
		Epoch:       ch.Epoch,
		SampleIndex: ch.SampleIndex,
		Issued:      time.Now(),
	}
	if err := s.challenges.Append(rec); err != nil {
		log.Errorw("challenge audit append failed", "deal", d.ID, "error", err)
	}
}

func (s *Scheduler) logPayout(d model.Deal, ch model.ProofChallenge, amount uint64, err error) {
	if s.payouts == nil {
		return
	}
	rec := model.PayoutRecord{
		ID:      uuid.New(),
		DealID:  d.ID,
		Epoch:   ch.Epoch,
		Amount:  amount,
		Settled: time.Now(),
	}
	if err != nil {
		rec.Error = model.Error{Message: err.Error()}
	}
	if aerr := s.payouts.Append(rec); aerr != nil {
		log.Errorw("payout audit append failed", "deal", d.ID, "error", aerr)
	}
}
