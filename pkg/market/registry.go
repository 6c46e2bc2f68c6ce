// Package market implements the provider registry: stake-backed
// registration, published offers, SLA violation reporting and the
// reputation score used for provider ranking.
package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("market")

const (
	// successDelta is the bounded reputation increment per completed task.
	successDelta = 1
	// slashPenalty is the bounded reputation decrement per slash. It is
	// applied once per slash event regardless of the slashed amount, and
	// the score never goes below zero.
	slashPenalty = 5
)

// Violation is one reported SLA breach. Reports are currently accepted
// from any party and are kept with the reporter's address for audit.
type Violation struct {
	ID         uuid.UUID     `json:"id"`
	Provider   model.Address `json:"provider"`
	Reporter   model.Address `json:"reporter"`
	Reason     string        `json:"reason"`
	ReportedAt time.Time     `json:"reportedAt"`
}

// SLA is the service agreement tracked for one active deal. The latency
// bound comes from the provider's offer in force when the deal started.
type SLA struct {
	ID        uuid.UUID     `json:"id"`
	Provider  model.Address `json:"provider"`
	Deal      uuid.UUID     `json:"deal"`
	LatencyMs uint64        `json:"latencyMs"`
	StartedAt time.Time     `json:"startedAt"`
}

// Registry tracks providers, their offers and their reputation. A single
// mutex serializes all mutations; reads return copies.
type Registry struct {
	bank *chain.Bank
	pool model.Address

	mu         sync.Mutex
	providers  map[model.Address]*model.Provider
	reputation map[model.Address]*model.ReputationRecord
	offers     []model.Offer
	violations []Violation
	slas       []SLA
}

// NewRegistry wires the registry to the ledger bank. Slashed stake is
// credited to the pool address.
func NewRegistry(bank *chain.Bank, pool model.Address) *Registry {
	return &Registry{
		bank:       bank,
		pool:       pool,
		providers:  make(map[model.Address]*model.Provider),
		reputation: make(map[model.Address]*model.ReputationRecord),
	}
}

// RegisterProvider locks stake from the provider's spendable balance and
// creates its registry record. Re-registering tops up the stake.
func (r *Registry) RegisterProvider(addr model.Address, stake uint64) (model.Provider, error) {
	if stake == 0 {
		return model.Provider{}, fmt.Errorf("register %s: zero stake: %w", addr, model.ErrMalformedInput)
	}
	if err := r.bank.Lock(addr, stake); err != nil {
		return model.Provider{}, fmt.Errorf("locking stake for %s: %w", addr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[addr]
	if !ok {
		p = &model.Provider{Address: addr}
		r.providers[addr] = p
		r.reputation[addr] = &model.ReputationRecord{Provider: addr}
	}
	p.Stake += stake
	log.Infow("provider registered", "address", addr, "stake", p.Stake)
	return *p, nil
}

// Provider returns the registry record for addr.
func (r *Registry) Provider(addr model.Address) (model.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[addr]
	if !ok {
		return model.Provider{}, fmt.Errorf("provider %s: %w", addr, model.ErrNotFound)
	}
	return *p, nil
}

// PublishOffer appends a new offer for the provider. The newest offer per
// provider supersedes earlier ones; the history is never mutated in place.
func (r *Registry) PublishOffer(provider model.Address, pricePerGiBEpoch uint64, region string, slaLatencyMs uint64) (model.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[provider]; !ok {
		return model.Offer{}, fmt.Errorf("offer from unregistered provider %s: %w", provider, model.ErrNotFound)
	}
	o := model.Offer{
		ID:               uuid.New(),
		Provider:         provider,
		PricePerGiBEpoch: pricePerGiBEpoch,
		Region:           region,
		SLALatencyMs:     slaLatencyMs,
		PublishedAt:      time.Now(),
	}
	r.offers = append(r.offers, o)
	return o, nil
}

// ListOffers returns the latest offer per provider, ranked by reputation
// score descending and price ascending within equal scores.
func (r *Registry) ListOffers() []model.Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[model.Address]model.Offer)
	for _, o := range r.offers {
		latest[o.Provider] = o
	}
	out := make([]model.Offer, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		si := r.reputation[out[i].Provider].Score
		sj := r.reputation[out[j].Provider].Score
		if si != sj {
			return si > sj
		}
		return out[i].PricePerGiBEpoch < out[j].PricePerGiBEpoch
	})
	return out
}

// OfferHistory returns every offer ever published for the provider, in
// publication order.
func (r *Registry) OfferHistory(provider model.Address) []model.Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Offer
	for _, o := range r.offers {
		if o.Provider == provider {
			out = append(out, o)
		}
	}
	return out
}

// StartSLA binds a service agreement to an active deal, taking the
// latency bound from the provider's current offer. Providers without a
// published offer get a zero bound, meaning no latency commitment.
func (r *Registry) StartSLA(provider model.Address, dealID uuid.UUID) (SLA, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[provider]; !ok {
		return SLA{}, fmt.Errorf("sla for unregistered provider %s: %w", provider, model.ErrNotFound)
	}
	var latency uint64
	for _, o := range r.offers {
		if o.Provider == provider {
			latency = o.SLALatencyMs
		}
	}
	s := SLA{
		ID:        uuid.New(),
		Provider:  provider,
		Deal:      dealID,
		LatencyMs: latency,
		StartedAt: time.Now(),
	}
	r.slas = append(r.slas, s)
	return s, nil
}

// SLAs returns the agreements started for a provider.
func (r *Registry) SLAs(provider model.Address) []SLA {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SLA
	for _, s := range r.slas {
		if s.Provider == provider {
			out = append(out, s)
		}
	}
	return out
}

// ReportViolation records an SLA breach report. Any party may report; the
// report alone does not slash, it feeds SlashForViolation.
func (r *Registry) ReportViolation(provider, reporter model.Address, reason string) (Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[provider]; !ok {
		return Violation{}, fmt.Errorf("violation against unknown provider %s: %w", provider, model.ErrNotFound)
	}
	v := Violation{
		ID:         uuid.New(),
		Provider:   provider,
		Reporter:   reporter,
		Reason:     reason,
		ReportedAt: time.Now(),
	}
	r.violations = append(r.violations, v)
	rec := r.reputation[provider]
	rec.Violations++
	log.Warnw("violation reported", "provider", provider, "reporter", reporter, "reason", reason)
	return v, nil
}

// Violations returns the report history for a provider.
func (r *Registry) Violations(provider model.Address) []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Violation
	for _, v := range r.violations {
		if v.Provider == provider {
			out = append(out, v)
		}
	}
	return out
}

// RecordSuccess applies the bounded reputation increment for one
// completed task (proven epoch, resolved repair).
func (r *Registry) RecordSuccess(provider model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.reputation[provider]
	if !ok {
		return
	}
	rec.TasksCompleted++
	rec.Score += successDelta
}

// RecordSlashFreeEpoch counts an epoch during which the provider was
// challenged and answered without a slash.
func (r *Registry) RecordSlashFreeEpoch(provider model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.reputation[provider]; ok {
		rec.SlashFreeEpochs++
	}
}

// SlashForViolation seizes amount from the provider's locked stake and
// applies the capped reputation penalty. The seized amount is credited to
// the pool. It returns what was actually seized.
func (r *Registry) SlashForViolation(provider model.Address, amount uint64) (uint64, error) {
	r.mu.Lock()
	p, ok := r.providers[provider]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("slash unknown provider %s: %w", provider, model.ErrNotFound)
	}
	r.mu.Unlock()

	seized := r.bank.Slash(provider, r.pool, amount)

	r.mu.Lock()
	defer r.mu.Unlock()
	if seized > p.Stake {
		p.Stake = 0
	} else {
		p.Stake -= seized
	}
	rec := r.reputation[provider]
	rec.Slashes++
	rec.Score -= slashPenalty
	if rec.Score < 0 {
		rec.Score = 0
	}
	log.Warnw("provider slashed", "provider", provider, "requested", amount, "seized", seized, "score", rec.Score)
	return seized, nil
}

// RecordMiss bumps the provider's missed challenge counter.
func (r *Registry) RecordMiss(provider model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[provider]; ok {
		p.MissedChallenges++
	}
}

// AdjustActiveDeals tracks deal attach/detach for a provider.
func (r *Registry) AdjustActiveDeals(provider model.Address, delta int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[provider]
	if !ok {
		return
	}
	if delta < 0 && uint32(-delta) > p.ActiveDeals {
		p.ActiveDeals = 0
		return
	}
	p.ActiveDeals = uint32(int32(p.ActiveDeals) + delta)
}

// Reputation returns the provider's cumulative outcome record.
func (r *Registry) Reputation(provider model.Address) (model.ReputationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.reputation[provider]
	if !ok {
		return model.ReputationRecord{}, fmt.Errorf("reputation for %s: %w", provider, model.ErrNotFound)
	}
	return *rec, nil
}
