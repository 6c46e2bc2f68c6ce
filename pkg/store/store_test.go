package store

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/quarry-storage/quarry/pkg/codec"
	"github.com/quarry-storage/quarry/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "quarry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func encodeTestObject(t *testing.T) codec.Encoded {
	t.Helper()
	data := make([]byte, codec.BlockSize+5)
	_, err := rand.Read(data)
	require.NoError(t, err)
	enc, err := codec.Encode(data, 4, 2)
	require.NoError(t, err)
	return enc
}

func TestManifestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	enc := encodeTestObject(t)

	require.NoError(t, s.PutManifest(enc.Manifest, enc.Leaves))

	m, err := s.Manifest(enc.Manifest.Root)
	require.NoError(t, err)
	require.Equal(t, enc.Manifest, m)

	leaves, err := s.Leaves(enc.Manifest.Root)
	require.NoError(t, err)
	require.Equal(t, enc.Leaves, leaves)

	all, err := s.ListManifests()
	require.NoError(t, err)
	require.Len(t, all, 1)

	var missing model.Root
	_, err = s.Manifest(missing)
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.Leaves(missing)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDealRoundTrip(t *testing.T) {
	s := openTestStore(t)
	enc := encodeTestObject(t)

	d := model.Deal{
		ID:               uuid.New(),
		Payer:            "payer",
		Provider:         "prov",
		Root:             enc.Manifest.Root,
		SizeBytes:        enc.Manifest.Size,
		Replicas:         1,
		DurationEpochs:   5,
		PricePerGiBEpoch: 2,
		Endowment:        10,
		Status:           model.DealActive,
	}
	require.NoError(t, s.PutDeal(d))

	got, err := s.Deal(d.ID)
	require.NoError(t, err)
	require.Equal(t, d, got)

	deals, err := s.ListDeals()
	require.NoError(t, err)
	require.Len(t, deals, 1)

	_, err = s.Deal(uuid.New())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepairTaskAndOfferRoundTrip(t *testing.T) {
	s := openTestStore(t)
	enc := encodeTestObject(t)

	task := model.RepairTask{
		ID:               uuid.New(),
		Root:             enc.Manifest.Root,
		LostShardIndices: []uint64{1, 3},
		Bounty:           50,
		Status:           model.RepairOpen,
	}
	require.NoError(t, s.PutRepairTask(task))
	got, err := s.RepairTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, task.LostShardIndices, got.LostShardIndices)

	offer := model.Offer{ID: uuid.New(), Provider: "prov", PricePerGiBEpoch: 3, Region: "eu"}
	require.NoError(t, s.PutOffer(offer))
	offers, err := s.ListOffers()
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, offer.ID, offers[0].ID)
}

func TestACLRoundTrip(t *testing.T) {
	s := openTestStore(t)
	enc := encodeTestObject(t)

	acl := model.ObjectACL{
		Root:  enc.Manifest.Root,
		Owner: "alice",
		Policy: model.AccessPolicy{
			Visibility: model.VisibilityPrivate,
			Allowlist:  []model.Address{"bob"},
		},
	}
	require.NoError(t, s.PutACL(acl))

	got, err := s.ACL(enc.Manifest.Root)
	require.NoError(t, err)
	require.Equal(t, acl, got)

	var missing model.Root
	_, err = s.ACL(missing)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestShardStoreRoundTrip(t *testing.T) {
	ss := NewShardStore(afero.NewMemMapFs(), "data")
	enc := encodeTestObject(t)
	root := enc.Manifest.Root

	for i, shard := range enc.Shards {
		require.NoError(t, ss.StoreShard(root, uint64(i), shard))
	}
	for i, want := range enc.Shards {
		got, err := ss.FetchShard(root, uint64(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	ok, err := ss.HasShard(root, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ss.DeleteShard(root, 0))
	_, err = ss.FetchShard(root, 0)
	require.ErrorIs(t, err, model.ErrNotFound)
	ok, err = ss.HasShard(root, 0)
	require.NoError(t, err)
	require.False(t, ok)
	// idempotent delete
	require.NoError(t, ss.DeleteShard(root, 0))
}
