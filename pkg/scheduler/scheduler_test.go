package scheduler

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/codec"
	"github.com/quarry-storage/quarry/pkg/deal"
	"github.com/quarry-storage/quarry/pkg/eventlog"
	"github.com/quarry-storage/quarry/pkg/market"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

type memRecords struct {
	manifests map[model.Root]model.Manifest
	leaves    map[model.Root][]merkle.Hash
}

func (r *memRecords) Manifest(root model.Root) (model.Manifest, error) {
	m, ok := r.manifests[root]
	if !ok {
		return model.Manifest{}, model.ErrNotFound
	}
	return m, nil
}

func (r *memRecords) Leaves(root model.Root) ([]merkle.Hash, error) {
	l, ok := r.leaves[root]
	if !ok {
		return nil, model.ErrNotFound
	}
	return l, nil
}

type stallingProver struct {
	inner ProofSource
	stall map[model.Root]bool
}

func (p *stallingProver) Prove(ctx context.Context, root model.Root, index uint64) (merkle.Proof, error) {
	if p.stall[root] {
		<-ctx.Done()
		return merkle.Proof{}, ctx.Err()
	}
	return p.inner.Prove(ctx, root, index)
}

type testEnv struct {
	bank    *chain.Bank
	ledger  *deal.Ledger
	clock   *deal.ManualClock
	records *memRecords
	prover  *stallingProver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bank := chain.NewBank()
	reg := market.NewRegistry(bank, "pool")
	bank.Deposit("prov", 1000)
	_, err := reg.RegisterProvider("prov", 1000)
	require.NoError(t, err)
	clock := deal.NewManualClock(0)
	records := &memRecords{
		manifests: make(map[model.Root]model.Manifest),
		leaves:    make(map[model.Root][]merkle.Hash),
	}
	return &testEnv{
		bank:    bank,
		ledger:  deal.NewLedger(bank, reg, clock, 3, 100),
		clock:   clock,
		records: records,
		prover:  &stallingProver{inner: NewLocalProver(records), stall: make(map[model.Root]bool)},
	}
}

func (e *testEnv) addDeal(t *testing.T, duration uint64) model.Deal {
	t.Helper()
	data := make([]byte, codec.BlockSize+int(duration))
	_, err := rand.Read(data)
	require.NoError(t, err)
	enc, err := codec.Encode(data, 4, 2)
	require.NoError(t, err)
	e.records.manifests[enc.Manifest.Root] = enc.Manifest
	e.records.leaves[enc.Manifest.Root] = enc.Leaves

	endowment := model.EndowmentFor(enc.Manifest.Size, 2, duration, 1)
	e.bank.Deposit("payer", endowment)
	d, err := e.ledger.CreateDeal("payer", "prov", enc.Manifest, 1, duration, 2, endowment)
	require.NoError(t, err)
	return d
}

func (e *testEnv) scheduler(challengeLog eventlog.Appender[model.ChallengeRecord], payoutLog eventlog.Appender[model.PayoutRecord]) *Scheduler {
	return New(Config{
		Ledger:        e.ledger,
		Manifests:     e.records,
		Prover:        e.prover,
		Clock:         e.clock,
		Window:        50 * time.Millisecond,
		EpochDuration: time.Hour,
		ChallengeLog:  challengeLog,
		PayoutLog:     payoutLog,
	})
}

func TestSampleIndexDeterministic(t *testing.T) {
	var root model.Root
	copy(root[:], []byte("some-root-for-sampling-tests...."))
	a := SampleIndex(root, 7, 10)
	b := SampleIndex(root, 7, 10)
	require.Equal(t, a, b)
	require.Less(t, a, uint64(10))

	// different epochs spread across indices eventually
	seen := make(map[uint64]bool)
	for epoch := uint64(0); epoch < 64; epoch++ {
		seen[SampleIndex(root, epoch, 10)] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestRunEpochPaysProvenDeals(t *testing.T) {
	e := newTestEnv(t)
	d := e.addDeal(t, 3)
	s := e.scheduler(nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunEpoch(context.Background()))
		e.clock.Advance(1)
	}

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.DealCompleted, got.Status)
	require.Equal(t, got.Endowment, got.Payouts)
	require.EqualValues(t, 3, got.PaidEpochs)
}

func TestRunEpochTimeoutIsAMiss(t *testing.T) {
	e := newTestEnv(t)
	healthy := e.addDeal(t, 5)
	stalled := e.addDeal(t, 5)
	e.prover.stall[stalled.Root] = true
	s := e.scheduler(nil, nil)

	start := time.Now()
	require.NoError(t, s.RunEpoch(context.Background()))
	// the stalled prover is abandoned at the window, not awaited forever
	require.Less(t, time.Since(start), 5*time.Second)

	got, err := e.ledger.Deal(healthy.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.PaidEpochs)

	got, err = e.ledger.Deal(stalled.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.MissedEpochs)
	require.EqualValues(t, 0, got.PaidEpochs)
}

func TestRunEpochSecondRunIsNoOp(t *testing.T) {
	e := newTestEnv(t)
	d := e.addDeal(t, 5)
	s := e.scheduler(nil, nil)

	require.NoError(t, s.RunEpoch(context.Background()))
	require.NoError(t, s.RunEpoch(context.Background()))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.PaidEpochs)
	require.Equal(t, got.EpochPrice(), e.bank.Balance("prov"))
}

func TestRunEpochAuditTrail(t *testing.T) {
	e := newTestEnv(t)
	d := e.addDeal(t, 2)
	var chBuf, payBuf bytes.Buffer
	chLog := eventlog.NewCSVWriter[model.ChallengeRecord](&chBuf)
	payLog := eventlog.NewCSVWriter[model.PayoutRecord](&payBuf)
	s := e.scheduler(chLog, payLog)

	require.NoError(t, s.RunEpoch(context.Background()))
	e.clock.Advance(1)
	require.NoError(t, s.RunEpoch(context.Background()))
	require.NoError(t, chLog.Flush())
	require.NoError(t, payLog.Flush())

	var challenges []model.ChallengeRecord
	for rec, err := range eventlog.NewCSVReader[model.ChallengeRecord](&chBuf).Iterator() {
		require.NoError(t, err)
		challenges = append(challenges, rec)
	}
	require.Len(t, challenges, 2)
	for _, rec := range challenges {
		require.Equal(t, d.ID, rec.DealID)
	}

	var payouts []model.PayoutRecord
	for rec, err := range eventlog.NewCSVReader[model.PayoutRecord](&payBuf).Iterator() {
		require.NoError(t, err)
		payouts = append(payouts, rec)
	}
	require.Len(t, payouts, 2)
	for _, rec := range payouts {
		require.Equal(t, d.EpochPrice(), rec.Amount, fmt.Sprintf("epoch %d", rec.Epoch))
	}
}
