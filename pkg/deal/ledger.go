// Package deal implements the escrow and settlement ledger: deal
// creation with endowment locking, per-epoch proof-gated payouts,
// cancellation and expiry refunds, and default handling past a miss
// threshold.
package deal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/market"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("deal")

// Escrow is the ledger-owned account holding locked endowments.
const Escrow model.Address = "escrow"

// challengeState is the per-epoch challenge record. consumed flips at
// the first settlement attempt that records an outcome, successful or
// not, and never flips back.
type challengeState struct {
	ch       model.ProofChallenge
	consumed bool
}

type dealState struct {
	mu         sync.Mutex
	deal       model.Deal
	leafCount  int
	challenges map[uint64]*challengeState
}

// Ledger is the deal state machine. Each deal record carries its own
// lock, so settlement on one deal never blocks another; the maps
// themselves sit behind a short-lived registry lock.
type Ledger struct {
	bank          *chain.Bank
	registry      *market.Registry
	clock         EpochClock
	missThreshold uint64
	defaultSlash  uint64
	onDefault     func(model.Deal)

	mu    sync.Mutex
	deals map[uuid.UUID]*dealState
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultHandler installs a callback invoked after a deal defaults,
// outside any ledger lock. The repair coordinator hooks in here.
func WithDefaultHandler(fn func(model.Deal)) Option {
	return func(l *Ledger) { l.onDefault = fn }
}

// NewLedger builds a deal ledger. missThreshold is the number of missed
// epochs after which a deal defaults; defaultSlash is seized from the
// provider's stake when that happens.
func NewLedger(bank *chain.Bank, registry *market.Registry, clock EpochClock, missThreshold, defaultSlash uint64, opts ...Option) *Ledger {
	l := &Ledger{
		bank:          bank,
		registry:      registry,
		clock:         clock,
		missThreshold: missThreshold,
		defaultSlash:  defaultSlash,
		deals:         make(map[uuid.UUID]*dealState),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateDeal locks the endowment and activates a deal over the manifest.
// payment must equal the endowment formula exactly; under- and
// overpayment are both rejected before any funds move.
func (l *Ledger) CreateDeal(payer, provider model.Address, m model.Manifest, replicas uint32, durationEpochs, pricePerGiBEpoch, payment uint64) (model.Deal, error) {
	if replicas == 0 || durationEpochs == 0 || m.Size == 0 {
		return model.Deal{}, fmt.Errorf("deal parameters must be positive: %w", model.ErrMalformedInput)
	}
	endowment := model.EndowmentFor(m.Size, pricePerGiBEpoch, durationEpochs, replicas)
	if payment != endowment {
		return model.Deal{}, fmt.Errorf("payment %d does not match endowment %d: %w", payment, endowment, model.ErrEndowmentMismatch)
	}
	if err := l.bank.Transfer(payer, Escrow, endowment); err != nil {
		return model.Deal{}, fmt.Errorf("locking endowment: %w", err)
	}
	d := model.Deal{
		ID:               uuid.New(),
		Payer:            payer,
		Provider:         provider,
		Root:             m.Root,
		SizeBytes:        m.Size,
		Replicas:         replicas,
		DurationEpochs:   durationEpochs,
		PricePerGiBEpoch: pricePerGiBEpoch,
		Endowment:        endowment,
		CreatedAtEpoch:   l.clock.CurrentEpoch(),
		Status:           model.DealActive,
	}
	l.mu.Lock()
	l.deals[d.ID] = &dealState{
		deal:       d,
		leafCount:  int(m.ShardCount),
		challenges: make(map[uint64]*challengeState),
	}
	l.mu.Unlock()
	l.registry.AdjustActiveDeals(provider, 1)
	if _, err := l.registry.StartSLA(provider, d.ID); err != nil {
		log.Warnw("starting sla failed", "deal", d.ID, "provider", provider, "error", err)
	}
	log.Infow("deal created", "deal", d.ID, "root", d.Root, "endowment", endowment, "epochs", durationEpochs)
	return d, nil
}

// Deal returns a snapshot of the deal record.
func (l *Ledger) Deal(id uuid.UUID) (model.Deal, error) {
	st, err := l.state(id)
	if err != nil {
		return model.Deal{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.deal, nil
}

// ListDeals returns a snapshot of every deal record.
func (l *Ledger) ListDeals() []model.Deal {
	l.mu.Lock()
	states := make([]*dealState, 0, len(l.deals))
	for _, st := range l.deals {
		states = append(states, st)
	}
	l.mu.Unlock()
	out := make([]model.Deal, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.deal)
		st.mu.Unlock()
	}
	return out
}

// RegisterChallenge issues the sampling challenge for the deal's current
// epoch. There is exactly one challenge per (deal, epoch); re-issuing is
// rejected.
func (l *Ledger) RegisterChallenge(id uuid.UUID, sampleIndex uint64) (model.ProofChallenge, error) {
	st, err := l.state(id)
	if err != nil {
		return model.ProofChallenge{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deal.Status != model.DealActive {
		return model.ProofChallenge{}, fmt.Errorf("deal %s is %s: %w", id, st.deal.Status, model.ErrMalformedInput)
	}
	epoch := l.clock.CurrentEpoch()
	if _, ok := st.challenges[epoch]; ok {
		return model.ProofChallenge{}, fmt.Errorf("challenge for deal %s epoch %d already issued: %w", id, epoch, model.ErrMalformedInput)
	}
	if sampleIndex >= uint64(st.leafCount) {
		return model.ProofChallenge{}, fmt.Errorf("sample index %d out of range: %w", sampleIndex, model.ErrMalformedInput)
	}
	ch := model.ProofChallenge{
		DealID:      id,
		Epoch:       epoch,
		SampleIndex: sampleIndex,
		Salt:        merkle.SaltForEpoch(model.Hash(st.deal.Root), epoch),
		IssuedAt:    time.Now(),
	}
	st.challenges[epoch] = &challengeState{ch: ch}
	return ch, nil
}

// Challenge returns the challenge for (deal, epoch) if one was issued.
func (l *Ledger) Challenge(id uuid.UUID, epoch uint64) (model.ProofChallenge, error) {
	st, err := l.state(id)
	if err != nil {
		return model.ProofChallenge{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cs, ok := st.challenges[epoch]
	if !ok {
		return model.ProofChallenge{}, fmt.Errorf("no challenge for deal %s epoch %d: %w", id, epoch, model.ErrNotFound)
	}
	return cs.ch, nil
}

// StreamPayout settles the current epoch against a plain inclusion
// proof. Exactly one settlement per (deal, epoch) records an outcome:
// a valid proof pays the epoch price, an invalid one records a miss,
// and any further call for the same epoch fails with
// EpochAlreadySettled.
func (l *Ledger) StreamPayout(id uuid.UUID, leaf model.Hash, branch []model.Hash, index uint64) (uint64, error) {
	return l.settle(id, func(st *dealState, cs *challengeState) error {
		p := merkle.Proof{Leaf: leaf, Branch: branch, Index: index}
		if index != cs.ch.SampleIndex {
			return fmt.Errorf("proof index %d does not match challenge index %d: %w", index, cs.ch.SampleIndex, model.ErrProofInvalid)
		}
		return merkle.VerifyProof(model.Hash(st.deal.Root), p, st.leafCount)
	})
}

// StreamPayoutV2 settles the current epoch against a salted proof, so a
// branch proven for an earlier epoch cannot be replayed.
func (l *Ledger) StreamPayoutV2(id uuid.UUID, sp merkle.SaltedProof) (uint64, error) {
	return l.settle(id, func(st *dealState, cs *challengeState) error {
		if sp.Index != cs.ch.SampleIndex {
			return fmt.Errorf("proof index %d does not match challenge index %d: %w", sp.Index, cs.ch.SampleIndex, model.ErrProofInvalid)
		}
		return merkle.VerifySalted(model.Hash(st.deal.Root), cs.ch.Salt, sp, st.leafCount)
	})
}

// RecordMiss settles the current epoch as unanswered. The scheduler
// calls this when the response window closes without a proof.
func (l *Ledger) RecordMiss(id uuid.UUID) error {
	_, err := l.settle(id, func(*dealState, *challengeState) error {
		return fmt.Errorf("response window expired: %w", model.ErrSlashTimeout)
	})
	if errors.Is(err, model.ErrSlashTimeout) {
		return nil
	}
	return err
}

func (l *Ledger) settle(id uuid.UUID, prove func(*dealState, *challengeState) error) (uint64, error) {
	st, err := l.state(id)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()

	if st.deal.Status != model.DealActive {
		st.mu.Unlock()
		return 0, fmt.Errorf("deal %s is %s: %w", id, st.deal.Status, model.ErrEpochAlreadySettled)
	}
	epoch := l.clock.CurrentEpoch()
	cs, ok := st.challenges[epoch]
	if !ok {
		st.mu.Unlock()
		return 0, fmt.Errorf("no challenge for deal %s epoch %d: %w", id, epoch, model.ErrNotFound)
	}
	if cs.consumed {
		st.mu.Unlock()
		return 0, fmt.Errorf("deal %s epoch %d: %w", id, epoch, model.ErrEpochAlreadySettled)
	}

	if verr := prove(st, cs); verr != nil {
		cs.consumed = true
		st.deal.MissedEpochs++
		provider := st.deal.Provider
		defaulted := st.deal.MissedEpochs >= l.missThreshold
		var snap model.Deal
		if defaulted {
			snap = l.closeLocked(st, model.DealDefaulted)
		}
		st.mu.Unlock()

		l.registry.RecordMiss(provider)
		if defaulted {
			if _, serr := l.registry.SlashForViolation(provider, l.defaultSlash); serr != nil {
				log.Errorw("default slash failed", "deal", id, "provider", provider, "error", serr)
			}
			log.Warnw("deal defaulted", "deal", id, "provider", provider, "missed", snap.MissedEpochs)
			if l.onDefault != nil {
				l.onDefault(snap)
			}
		}
		return 0, fmt.Errorf("settling deal %s epoch %d: %w", id, epoch, verr)
	}

	amount := st.deal.EpochPrice()
	if err := l.bank.Transfer(Escrow, st.deal.Provider, amount); err != nil {
		// The epoch stays unconsumed so the outcome is still pending;
		// a retry can pay, or the deadline records the miss.
		st.mu.Unlock()
		return 0, fmt.Errorf("paying out deal %s epoch %d: %w", id, epoch, err)
	}
	cs.consumed = true
	st.deal.Payouts += amount
	st.deal.LastPaidEpoch = epoch
	st.deal.PaidEpochs++
	provider := st.deal.Provider
	completed := st.deal.PaidEpochs+st.deal.MissedEpochs >= st.deal.DurationEpochs
	if completed {
		l.closeLocked(st, model.DealCompleted)
	}
	st.mu.Unlock()

	l.registry.RecordSuccess(provider)
	if completed {
		log.Infow("deal completed", "deal", id)
	}
	return amount, nil
}

// CancelDeal terminates the deal early. Only the payer may cancel; the
// unspent endowment is refunded.
func (l *Ledger) CancelDeal(id uuid.UUID, caller model.Address) (model.Deal, error) {
	st, err := l.state(id)
	if err != nil {
		return model.Deal{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deal.Status != model.DealActive {
		return model.Deal{}, fmt.Errorf("cancel deal %s in state %s: %w", id, st.deal.Status, model.ErrMalformedInput)
	}
	if caller != st.deal.Payer {
		return model.Deal{}, fmt.Errorf("cancel deal %s by %s: %w", id, caller, model.ErrAccessDenied)
	}
	return l.closeLocked(st, model.DealCancelled), nil
}

// ExpireDeal settles a deal whose duration has elapsed, refunding any
// endowment left unpaid by missed epochs. Anyone may trigger expiry.
func (l *Ledger) ExpireDeal(id uuid.UUID) (model.Deal, error) {
	st, err := l.state(id)
	if err != nil {
		return model.Deal{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deal.Status != model.DealActive {
		return st.deal, nil
	}
	if l.clock.CurrentEpoch() < st.deal.CreatedAtEpoch+st.deal.DurationEpochs {
		return model.Deal{}, fmt.Errorf("deal %s has not reached expiry: %w", id, model.ErrMalformedInput)
	}
	return l.closeLocked(st, model.DealCompleted), nil
}

// closeLocked moves the deal to a terminal state and refunds the unspent
// endowment so payouts + refunds == endowment. Caller holds st.mu.
func (l *Ledger) closeLocked(st *dealState, status model.DealStatus) model.Deal {
	remaining := st.deal.Endowment - st.deal.Payouts - st.deal.Refunds
	if remaining > 0 {
		if err := l.bank.Transfer(Escrow, st.deal.Payer, remaining); err != nil {
			log.Errorw("endowment refund failed", "deal", st.deal.ID, "amount", remaining, "error", err)
		} else {
			st.deal.Refunds += remaining
		}
	}
	st.deal.Status = status
	l.registry.AdjustActiveDeals(st.deal.Provider, -1)
	return st.deal
}

func (l *Ledger) state(id uuid.UUID) (*dealState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.deals[id]
	if !ok {
		return nil, fmt.Errorf("deal %s: %w", id, model.ErrNotFound)
	}
	return st, nil
}
