package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"math"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/codec"
	"github.com/quarry-storage/quarry/pkg/deal"
	"github.com/quarry-storage/quarry/pkg/market"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
	"github.com/quarry-storage/quarry/pkg/store"
)

type env struct {
	gw     *Gateway
	bank   *chain.Bank
	ledger *deal.Ledger
	shards *store.ShardStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	records, err := store.Open(filepath.Join(t.TempDir(), "quarry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, records.Close()) })
	shards := store.NewShardStore(afero.NewMemMapFs(), "data")

	bank := chain.NewBank()
	reg := market.NewRegistry(bank, "pool")
	bank.Deposit("prov", 1000)
	_, err = reg.RegisterProvider("prov", 1000)
	require.NoError(t, err)
	ledger := deal.NewLedger(bank, reg, deal.NewManualClock(0), 3, 100)

	return &env{gw: New(records, shards, ledger), bank: bank, ledger: ledger, shards: shards}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, 2*codec.BlockSize+77)
	_, err := rand.Read(data)
	require.NoError(t, err)

	m, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)
	require.EqualValues(t, len(data), m.Size)
	require.EqualValues(t, 6, m.ShardCount)
	require.Contains(t, id, model.Scheme+"://")

	got, err := e.gw.Download(ctx, "anyone", id, 0, -1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// ranged read
	got, err = e.gw.Download(ctx, "anyone", id, 100, 50)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[100:150], got))

	// range past the end is clamped
	got, err = e.gw.Download(ctx, "anyone", id, int64(len(data))-10, 100)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[len(data)-10:], got))

	// a length near the int64 ceiling clamps instead of overflowing
	got, err = e.gw.Download(ctx, "anyone", id, 10, math.MaxInt64)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[10:], got))

	_, err = e.gw.Download(ctx, "anyone", id, int64(len(data))+1, 1)
	require.ErrorIs(t, err, model.ErrMalformedInput)

	info, err := e.gw.Info(id)
	require.NoError(t, err)
	require.Equal(t, m, info)
}

func TestDownloadSurvivesShardLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, codec.BlockSize+3)
	_, err := rand.Read(data)
	require.NoError(t, err)

	m, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)

	require.NoError(t, e.shards.DeleteShard(m.Root, 0))
	require.NoError(t, e.shards.DeleteShard(m.Root, 5))

	got, err := e.gw.Download(ctx, "anyone", id, 0, -1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// one loss past the parity budget is fatal
	require.NoError(t, e.shards.DeleteShard(m.Root, 1))
	_, err = e.gw.Download(ctx, "anyone", id, 0, -1)
	require.ErrorIs(t, err, model.ErrInsufficientShards)
}

func TestDownloadSurvivesCorruptShard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, codec.BlockSize+11)
	_, err := rand.Read(data)
	require.NoError(t, err)

	m, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)

	// overwrite one shard with garbage of the same length
	victim, err := e.shards.FetchShard(m.Root, 0)
	require.NoError(t, err)
	garbage := make([]byte, len(victim))
	_, err = rand.Read(garbage)
	require.NoError(t, err)
	require.NoError(t, e.shards.StoreShard(m.Root, 0, garbage))

	got, err := e.gw.Download(ctx, "anyone", id, 0, -1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// one corrupt and two missing exceeds the parity budget
	require.NoError(t, e.shards.DeleteShard(m.Root, 1))
	require.NoError(t, e.shards.DeleteShard(m.Root, 2))
	_, err = e.gw.Download(ctx, "anyone", id, 0, -1)
	require.ErrorIs(t, err, model.ErrInsufficientShards)
}

func TestAccessPolicyFailsClosed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, codec.BlockSize)
	_, err := rand.Read(data)
	require.NoError(t, err)

	_, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)

	// only the owner may change the policy
	err = e.gw.SetPolicy(id, "mallory", model.AccessPolicy{Visibility: model.VisibilityPrivate})
	require.ErrorIs(t, err, model.ErrAccessDenied)

	require.NoError(t, e.gw.SetPolicy(id, "alice", model.AccessPolicy{
		Visibility: model.VisibilityPrivate,
		Allowlist:  []model.Address{"bob"},
	}))

	acl, err := e.gw.Policy(id)
	require.NoError(t, err)
	require.Equal(t, model.Address("alice"), acl.Owner)
	require.Equal(t, model.VisibilityPrivate, acl.Policy.Visibility)

	_, err = e.gw.Download(ctx, "mallory", id, 0, -1)
	require.ErrorIs(t, err, model.ErrAccessDenied)

	for _, caller := range []model.Address{"alice", "bob"} {
		got, err := e.gw.Download(ctx, caller, id, 0, -1)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got))
	}
}

func TestProofBranchEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, codec.BlockSize+9)
	_, err := rand.Read(data)
	require.NoError(t, err)

	m, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)

	for idx := uint64(0); idx < uint64(m.ShardCount); idx++ {
		b, err := e.gw.ProofBranch(id, idx)
		require.NoError(t, err)
		require.Equal(t, m.Root, b.Root)
		require.True(t, merkle.Verify(model.Hash(b.Root), b.Leaf, b.Branch, b.Index))
	}

	_, err = e.gw.ProofBranch(id, uint64(m.ShardCount))
	require.Error(t, err)
	_, err = e.gw.ProofBranch("quarry://nonsense", 0)
	require.ErrorIs(t, err, model.ErrMalformedInput)
}

func TestCreateDealForwarding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := make([]byte, codec.BlockSize)
	_, err := rand.Read(data)
	require.NoError(t, err)

	m, id, err := e.gw.Upload(ctx, "alice", bytes.NewReader(data), 4, 2)
	require.NoError(t, err)

	endowment := model.EndowmentFor(m.Size, 2, 5, 1)
	e.bank.Deposit("alice", endowment)

	_, err = e.gw.CreateDeal(id, "alice", "prov", 1, 5, 2, endowment-1)
	require.ErrorIs(t, err, model.ErrEndowmentMismatch)

	d, err := e.gw.CreateDeal(id, "alice", "prov", 1, 5, 2, endowment)
	require.NoError(t, err)
	require.Equal(t, m.Root, d.Root)
	require.Equal(t, model.DealActive, d.Status)

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
}
