// Package gateway is the front-end boundary: it accepts byte streams
// for upload, serves ranged downloads behind an access policy, exposes
// inclusion proof branches and forwards deal operations to the ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/codec"
	"github.com/quarry-storage/quarry/pkg/deal"
	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
	"github.com/quarry-storage/quarry/pkg/store"
)

var log = logging.Logger("gateway")

// Branch is the proof branch endpoint response.
type Branch struct {
	Root   model.Root   `json:"root"`
	Leaf   model.Hash   `json:"leaf"`
	Branch []model.Hash `json:"branch"`
	Index  uint64       `json:"index"`
}

// Gateway ties the codec, the record store, the shard store and the
// deal ledger together behind the external interface.
type Gateway struct {
	records *store.Store
	shards  *store.ShardStore
	ledger  *deal.Ledger
}

func New(records *store.Store, shards *store.ShardStore, ledger *deal.Ledger) *Gateway {
	return &Gateway{
		records: records,
		shards:  shards,
		ledger:  ledger,
	}
}

// Upload encodes the stream into k data and m parity shards, stores the
// shards and the commitment, and returns the manifest with its content
// identifier. New objects default to public.
func (g *Gateway) Upload(ctx context.Context, owner model.Address, r io.Reader, k, m int) (model.Manifest, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Manifest{}, "", fmt.Errorf("reading upload stream: %w", err)
	}
	enc, err := codec.Encode(data, k, m)
	if err != nil {
		return model.Manifest{}, "", err
	}
	if err := g.records.PutManifest(enc.Manifest, enc.Leaves); err != nil {
		return model.Manifest{}, "", err
	}
	for i, shard := range enc.Shards {
		if err := ctx.Err(); err != nil {
			return model.Manifest{}, "", err
		}
		if err := g.shards.StoreShard(enc.Manifest.Root, uint64(i), shard); err != nil {
			return model.Manifest{}, "", err
		}
	}
	acl := model.ObjectACL{
		Root:   enc.Manifest.Root,
		Owner:  owner,
		Policy: model.AccessPolicy{Visibility: model.VisibilityPublic},
	}
	if err := g.records.PutACL(acl); err != nil {
		return model.Manifest{}, "", err
	}
	log.Infow("object uploaded", "root", enc.Manifest.Root, "size", enc.Manifest.Size, "shards", enc.Manifest.ShardCount)
	return enc.Manifest, enc.Manifest.Root.String(), nil
}

// SetPolicy replaces the object's access policy. Only the owner may
// change it.
func (g *Gateway) SetPolicy(identifier string, caller model.Address, policy model.AccessPolicy) error {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return err
	}
	acl, err := g.records.ACL(root)
	if err != nil {
		return err
	}
	if caller != acl.Owner {
		return fmt.Errorf("policy change on %s by %s: %w", identifier, caller, model.ErrAccessDenied)
	}
	acl.Policy = policy
	return g.records.PutACL(acl)
}

// Policy returns the object's owner and current access policy.
func (g *Gateway) Policy(identifier string) (model.ObjectACL, error) {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return model.ObjectACL{}, err
	}
	return g.records.ACL(root)
}

// Info returns the manifest behind a content identifier.
func (g *Gateway) Info(identifier string) (model.Manifest, error) {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return model.Manifest{}, err
	}
	return g.records.Manifest(root)
}

// Download reconstructs the object and returns the byte range
// [offset, offset+length). length < 0 means to the end. Missing or
// corrupt shards are tolerated up to the parity budget. An object
// without an access record is not served; the check fails closed.
func (g *Gateway) Download(ctx context.Context, caller model.Address, identifier string, offset, length int64) ([]byte, error) {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return nil, err
	}
	acl, err := g.records.ACL(root)
	if err != nil {
		return nil, err
	}
	if !acl.Policy.Allows(acl.Owner, caller) {
		return nil, fmt.Errorf("download of %s by %s: %w", identifier, caller, model.ErrAccessDenied)
	}

	m, err := g.records.Manifest(root)
	if err != nil {
		return nil, err
	}
	leaves, err := g.records.Leaves(root)
	if err != nil {
		return nil, err
	}
	if offset < 0 || uint64(offset) > m.Size {
		return nil, fmt.Errorf("offset %d out of range for size %d: %w", offset, m.Size, model.ErrMalformedInput)
	}

	shards := make([][]byte, m.ShardCount)
	for i := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := g.shards.FetchShard(root, uint64(i))
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// A shard that no longer matches its commitment counts as lost;
		// the decoder rebuilds it from the survivors.
		if merkle.Sum(data) != leaves[i] {
			log.Warnw("corrupt shard dropped", "root", root, "index", i)
			continue
		}
		shards[i] = data
	}
	data, err := codec.Decode(m, leaves, shards)
	if err != nil {
		return nil, err
	}

	// Clamp against the remaining bytes before adding so a huge length
	// cannot overflow past the end of the object.
	end := int64(m.Size)
	if remaining := end - offset; length >= 0 && length < remaining {
		end = offset + length
	}
	return data[offset:end], nil
}

// ProofBranch returns the inclusion branch for a shard index, the
// payload a provider submits with StreamPayout.
func (g *Gateway) ProofBranch(identifier string, index uint64) (Branch, error) {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return Branch{}, err
	}
	leaves, err := g.records.Leaves(root)
	if err != nil {
		return Branch{}, err
	}
	p, err := merkle.BuildProof(leaves, index)
	if err != nil {
		return Branch{}, err
	}
	return Branch{Root: root, Leaf: p.Leaf, Branch: p.Branch, Index: p.Index}, nil
}

// CreateDeal forwards deal creation to the ledger using a stored
// manifest resolved from the content identifier.
func (g *Gateway) CreateDeal(identifier string, payer, provider model.Address, replicas uint32, durationEpochs, pricePerGiBEpoch, payment uint64) (model.Deal, error) {
	root, err := model.ParseRoot(identifier)
	if err != nil {
		return model.Deal{}, err
	}
	m, err := g.records.Manifest(root)
	if err != nil {
		return model.Deal{}, err
	}
	d, err := g.ledger.CreateDeal(payer, provider, m, replicas, durationEpochs, pricePerGiBEpoch, payment)
	if err != nil {
		return model.Deal{}, err
	}
	if err := g.records.PutDeal(d); err != nil {
		log.Errorw("persisting deal failed", "deal", d.ID, "error", err)
	}
	return d, nil
}
