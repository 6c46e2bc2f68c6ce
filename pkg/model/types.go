package model

import (
	"time"

	"github.com/google/uuid"
)

// GiB is the pricing unit. Deal pricing always rounds size up to whole GiB,
// so a single byte over a boundary pays for a full extra GiB.
const GiB = 1 << 30

// PriceGiB returns the number of GiB units a deal of sizeBytes is billed for.
func PriceGiB(sizeBytes uint64) uint64 {
	return (sizeBytes + GiB - 1) / GiB
}

// Address identifies an economic actor (payer, provider, repairer) on the
// settlement ledger.
type Address string

// Manifest identifies a stored object. Immutable once published; every deal
// and proof against the object references it by Root.
type Manifest struct {
	Root         Root   `json:"root"`
	Size         uint64 `json:"size"`
	ShardCount   uint32 `json:"shardCount"`
	DataShards   uint16 `json:"dataShards"`
	ParityShards uint16 `json:"parityShards"`
}

// DealStatus is the deal lifecycle state.
type DealStatus string

const (
	DealCreated   DealStatus = "created"
	DealActive    DealStatus = "active"
	DealCompleted DealStatus = "completed"
	DealCancelled DealStatus = "cancelled"
	DealDefaulted DealStatus = "defaulted"
)

// Terminal reports whether no further transitions are possible.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealCancelled || s == DealDefaulted
}

// Deal is the escrowed storage agreement. Owned by the payer; mutated only by
// the deal ledger's payout/cancel/expire transitions. At any terminal state
// Payouts + Refunds == Endowment.
type Deal struct {
	ID               uuid.UUID  `json:"id"`
	Payer            Address    `json:"payer"`
	Provider         Address    `json:"provider"`
	Root             Root       `json:"root"`
	SizeBytes        uint64     `json:"sizeBytes"`
	Replicas         uint32     `json:"replicas"`
	DurationEpochs   uint64     `json:"durationEpochs"`
	PricePerGiBEpoch uint64     `json:"pricePerGiBEpoch"`
	Endowment        uint64     `json:"endowment"`
	Payouts          uint64     `json:"payouts"`
	Refunds          uint64     `json:"refunds"`
	CreatedAtEpoch   uint64     `json:"createdAtEpoch"`
	LastPaidEpoch    uint64     `json:"lastPaidEpoch"`
	PaidEpochs       uint64     `json:"paidEpochs"`
	MissedEpochs     uint64     `json:"missedEpochs"`
	Status           DealStatus `json:"status"`
}

// EpochPrice is the amount released from endowment per proven epoch.
func (d Deal) EpochPrice() uint64 {
	return PriceGiB(d.SizeBytes) * d.PricePerGiBEpoch * uint64(d.Replicas)
}

// EndowmentFor computes the funds that must be locked at deal creation.
func EndowmentFor(sizeBytes uint64, pricePerGiBEpoch, durationEpochs uint64, replicas uint32) uint64 {
	return PriceGiB(sizeBytes) * pricePerGiBEpoch * durationEpochs * uint64(replicas)
}

// Provider is a storage provider's registry record. Stake is owned by the
// provider but subject to the ledger's slashing authority.
type Provider struct {
	Address          Address `json:"address"`
	Stake            uint64  `json:"stake"`
	ReputationScore  int64   `json:"reputationScore"`
	MissedChallenges uint64  `json:"missedChallenges"`
	ActiveDeals      uint32  `json:"activeDeals"`
}

// ProofChallenge is the per-deal per-epoch sampling challenge. Consumed
// exactly once; a second submission for the same (deal, epoch) is rejected.
type ProofChallenge struct {
	DealID      uuid.UUID `json:"dealId"`
	Epoch       uint64    `json:"epoch"`
	SampleIndex uint64    `json:"sampleIndex"`
	Salt        []byte    `json:"salt,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// Visibility controls who may download an object.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// AccessPolicy is the per-object download policy. Private objects are
// readable only by the owner and the allowlist; the check fails closed.
type AccessPolicy struct {
	Visibility Visibility `json:"visibility"`
	Allowlist  []Address  `json:"allowlist,omitempty"`
}

// Allows reports whether caller may read an object owned by owner.
func (p AccessPolicy) Allows(owner, caller Address) bool {
	if p.Visibility == VisibilityPublic {
		return true
	}
	if caller == owner {
		return true
	}
	for _, a := range p.Allowlist {
		if a == caller {
			return true
		}
	}
	return false
}

// ObjectACL binds an object to its owner and access policy.
type ObjectACL struct {
	Root   Root         `json:"root"`
	Owner  Address      `json:"owner"`
	Policy AccessPolicy `json:"policy"`
}

// RepairTaskStatus is the repair task lifecycle state.
type RepairTaskStatus string

const (
	RepairOpen     RepairTaskStatus = "open"
	RepairResolved RepairTaskStatus = "resolved"
	RepairExpired  RepairTaskStatus = "expired"
)

// RepairTask is an open bounty for re-supplying lost shards of a manifest.
type RepairTask struct {
	ID               uuid.UUID        `json:"id"`
	Root             Root             `json:"root"`
	LostShardIndices []uint64         `json:"lostShardIndices"`
	Bounty           uint64           `json:"bounty"`
	Status           RepairTaskStatus `json:"status"`
	Claimant         Address          `json:"claimant"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Offer is a provider's published price and terms. Re-publishing supersedes;
// prior offers stay in the append-only history for audit.
type Offer struct {
	ID               uuid.UUID `json:"id"`
	Provider         Address   `json:"provider"`
	PricePerGiBEpoch uint64    `json:"pricePerGiBEpoch"`
	Region           string    `json:"region"`
	SLALatencyMs     uint64    `json:"slaLatencyMs"`
	PublishedAt      time.Time `json:"publishedAt"`
}

// ReputationRecord is the cumulative outcome history backing a provider's
// score. Counters only ever grow; the derived score moves per recorded event
// with a capped penalty per slash and never drops below zero.
type ReputationRecord struct {
	Provider        Address `json:"provider"`
	TasksCompleted  uint64  `json:"tasksCompleted"`
	SlashFreeEpochs uint64  `json:"slashFreeEpochs"`
	Violations      uint64  `json:"violations"`
	Slashes         uint64  `json:"slashes"`
	Score           int64   `json:"score"`
}

// ChallengeRecord is one scheduler audit log row.
type ChallengeRecord struct {
	ID          uuid.UUID `json:"id"`
	DealID      uuid.UUID `json:"dealId"`
	Root        Root      `json:"root"`
	Epoch       uint64    `json:"epoch"`
	SampleIndex uint64    `json:"sampleIndex"`
	Issued      time.Time `json:"issued"`
}

// PayoutRecord is one settlement audit log row.
type PayoutRecord struct {
	ID      uuid.UUID `json:"id"`
	DealID  uuid.UUID `json:"dealId"`
	Epoch   uint64    `json:"epoch"`
	Amount  uint64    `json:"amount"`
	Settled time.Time `json:"settled"`
	Error   Error     `json:"error"`
}
