// Package seal implements the per-provider sealing protocol: a provider
// binds its identity and a randomness seed to a stored manifest
// (proof-of-replication) and must answer spot challenges against that
// commitment within a deadline (proof-of-spacetime).
package seal

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/market"
	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("seal")

// Status is the seal lifecycle state for one (provider, root) pair.
type Status string

const (
	Sealed     Status = "sealed"
	Challenged Status = "challenged"
	Slashed    Status = "slashed"
)

// Seal is one provider's sealed commitment over a manifest root.
type Seal struct {
	Provider   model.Address `json:"provider"`
	Root       model.Root    `json:"root"`
	Randomness []byte        `json:"randomness"`
	ProofHash  model.Hash    `json:"proofHash"`
	Status     Status        `json:"status"`
	Nonce      []byte        `json:"nonce,omitempty"`
	Deadline   time.Time     `json:"deadline,omitempty"`
}

// ProofHash derives the sealed commitment from the manifest root, the
// beacon randomness and the provider identity. Both sides of the
// protocol must derive it identically.
func ProofHash(root model.Root, randomness []byte, provider model.Address) model.Hash {
	h := sha256.New()
	h.Write(root[:])
	h.Write(randomness)
	h.Write([]byte(provider))
	var out model.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Answer is the response an honest provider computes for a challenge
// nonce against its sealed commitment.
func Answer(proofHash model.Hash, nonce []byte) []byte {
	h := sha256.New()
	h.Write(proofHash[:])
	h.Write(nonce)
	return h.Sum(nil)
}

// Verifier checks a challenge response. The protocol treats the seal
// proof itself as opaque: implementations attest validity as a boolean
// and the state machine acts on that attestation alone.
type Verifier interface {
	Verify(s Seal, proof []byte) bool
}

// AttestVerifier is the built-in verifier: it recomputes the expected
// answer from the sealed commitment and the challenge nonce.
type AttestVerifier struct{}

func (AttestVerifier) Verify(s Seal, proof []byte) bool {
	return bytes.Equal(proof, Answer(s.ProofHash, s.Nonce))
}

// Beacon supplies sealing randomness. The seed must be unpredictable
// before the sealing commitment is made.
type Beacon interface {
	Randomness() ([]byte, error)
}

// RandBeacon draws 32 bytes from the system CSPRNG.
type RandBeacon struct{}

func (RandBeacon) Randomness() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("drawing beacon randomness: %w", err)
	}
	return seed, nil
}

type sealKey struct {
	provider model.Address
	root     model.Root
}

// Engine runs the seal state machines. Transitions on the same
// (provider, root) record are serialized; seals of unrelated records
// proceed independently of each other.
type Engine struct {
	registry *market.Registry
	verifier Verifier
	beacon   Beacon
	window   time.Duration
	slash    uint64
	now      func() time.Time

	mu    sync.Mutex
	seals map[sealKey]*Seal
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBeacon overrides the randomness source.
func WithBeacon(b Beacon) Option {
	return func(e *Engine) { e.beacon = b }
}

// WithVerifier overrides the challenge response verifier.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// NewEngine builds a seal engine. window bounds the challenge response
// time; slashAmount is seized from the provider's stake on a timeout or
// an invalid response.
func NewEngine(registry *market.Registry, window time.Duration, slashAmount uint64, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		verifier: AttestVerifier{},
		beacon:   RandBeacon{},
		window:   window,
		slash:    slashAmount,
		now:      time.Now,
		seals:    make(map[sealKey]*Seal),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterSeal moves (provider, root) from unsealed to sealed, drawing
// fresh beacon randomness and recording the derived commitment. A live
// seal cannot be re-registered; a slashed one can.
func (e *Engine) RegisterSeal(provider model.Address, root model.Root) (Seal, error) {
	seed, err := e.beacon.Randomness()
	if err != nil {
		return Seal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sealKey{provider, root}
	if s, ok := e.seals[key]; ok && s.Status != Slashed {
		return Seal{}, fmt.Errorf("seal for %s/%s already registered: %w", provider, root, model.ErrMalformedInput)
	}
	s := &Seal{
		Provider:   provider,
		Root:       root,
		Randomness: seed,
		ProofHash:  ProofHash(root, seed, provider),
		Status:     Sealed,
	}
	e.seals[key] = s
	log.Infow("seal registered", "provider", provider, "root", root)
	return *s, nil
}

// Seal returns the current seal record for (provider, root).
func (e *Engine) Seal(provider model.Address, root model.Root) (Seal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.seals[sealKey{provider, root}]
	if !ok {
		return Seal{}, fmt.Errorf("seal %s/%s: %w", provider, root, model.ErrNotFound)
	}
	return *s, nil
}

// ChallengeSeal moves a sealed record to challenged, recording the nonce
// and the response deadline.
func (e *Engine) ChallengeSeal(provider model.Address, root model.Root, nonce []byte) (Seal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.seals[sealKey{provider, root}]
	if !ok {
		return Seal{}, fmt.Errorf("challenge %s/%s: %w", provider, root, model.ErrNotFound)
	}
	if s.Status != Sealed {
		return Seal{}, fmt.Errorf("challenge %s/%s in state %s: %w", provider, root, s.Status, model.ErrMalformedInput)
	}
	s.Status = Challenged
	s.Nonce = append([]byte(nil), nonce...)
	s.Deadline = e.now().Add(e.window)
	return *s, nil
}

// RespondToChallenge settles a pending challenge. A valid response in
// time returns the seal to sealed; a late or invalid one slashes the
// provider's stake and penalizes its reputation.
func (e *Engine) RespondToChallenge(provider model.Address, root model.Root, proof []byte) (Seal, error) {
	e.mu.Lock()
	s, ok := e.seals[sealKey{provider, root}]
	if !ok {
		e.mu.Unlock()
		return Seal{}, fmt.Errorf("respond %s/%s: %w", provider, root, model.ErrNotFound)
	}
	if s.Status != Challenged {
		e.mu.Unlock()
		return Seal{}, fmt.Errorf("respond %s/%s in state %s: %w", provider, root, s.Status, model.ErrMalformedInput)
	}
	if e.now().After(s.Deadline) {
		s.Status = Slashed
		snap := *s
		e.mu.Unlock()
		e.punish(provider, "challenge response past deadline")
		return snap, fmt.Errorf("respond %s/%s: %w", provider, root, model.ErrSlashTimeout)
	}
	if !e.verifier.Verify(*s, proof) {
		s.Status = Slashed
		snap := *s
		e.mu.Unlock()
		e.punish(provider, "invalid challenge response")
		return snap, fmt.Errorf("respond %s/%s: %w", provider, root, model.ErrProofInvalid)
	}
	s.Status = Sealed
	s.Nonce = nil
	s.Deadline = time.Time{}
	snap := *s
	e.mu.Unlock()
	e.registry.RecordSlashFreeEpoch(provider)
	return snap, nil
}

// ExpireOverdue slashes every challenged seal whose deadline has passed
// and returns how many were slashed. The scheduler calls this each tick.
func (e *Engine) ExpireOverdue() int {
	e.mu.Lock()
	var overdue []model.Address
	now := e.now()
	for _, s := range e.seals {
		if s.Status == Challenged && now.After(s.Deadline) {
			s.Status = Slashed
			overdue = append(overdue, s.Provider)
		}
	}
	e.mu.Unlock()
	for _, p := range overdue {
		e.punish(p, "challenge expired unanswered")
	}
	return len(overdue)
}

func (e *Engine) punish(provider model.Address, reason string) {
	e.registry.RecordMiss(provider)
	if _, err := e.registry.SlashForViolation(provider, e.slash); err != nil {
		log.Errorw("slashing failed", "provider", provider, "error", err)
	}
	log.Warnw("provider punished", "provider", provider, "reason", reason)
}
