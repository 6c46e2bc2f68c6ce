// Package store persists manifests, shard commitments, deals, repair
// tasks and offers. Records are JSON values in bolt buckets keyed by
// the 32-byte root hash or the record's UUID; shard bytes live on a
// filesystem beside the database.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("store")

var (
	bucketManifests = []byte("manifests")
	bucketLeaves    = []byte("leaves")
	bucketDeals     = []byte("deals")
	bucketRepairs   = []byte("repairs")
	bucketOffers    = []byte("offers")
	bucketACLs      = []byte("acls")
)

// Store is the bolt-backed record store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketManifests, bucketLeaves, bucketDeals, bucketRepairs, bucketOffers, bucketACLs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return model.ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// PutManifest persists a manifest and its shard commitments.
func (s *Store) PutManifest(m model.Manifest, leaves []merkle.Hash) error {
	root := model.Hash(m.Root)
	if err := s.put(bucketManifests, root[:], m); err != nil {
		return err
	}
	if err := s.put(bucketLeaves, root[:], leaves); err != nil {
		return err
	}
	log.Debugw("manifest stored", "root", m.Root, "shards", m.ShardCount)
	return nil
}

// Manifest loads the manifest for root.
func (s *Store) Manifest(root model.Root) (model.Manifest, error) {
	var m model.Manifest
	key := model.Hash(root)
	if err := s.get(bucketManifests, key[:], &m); err != nil {
		return model.Manifest{}, fmt.Errorf("manifest %s: %w", root, err)
	}
	return m, nil
}

// Leaves loads the shard commitments for root.
func (s *Store) Leaves(root model.Root) ([]merkle.Hash, error) {
	var leaves []merkle.Hash
	key := model.Hash(root)
	if err := s.get(bucketLeaves, key[:], &leaves); err != nil {
		return nil, fmt.Errorf("leaves %s: %w", root, err)
	}
	return leaves, nil
}

// ListManifests returns every stored manifest.
func (s *Store) ListManifests() ([]model.Manifest, error) {
	var out []model.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(_, data []byte) error {
			var m model.Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// PutACL persists an object's owner and access policy.
func (s *Store) PutACL(acl model.ObjectACL) error {
	key := model.Hash(acl.Root)
	return s.put(bucketACLs, key[:], acl)
}

// ACL loads the owner and access policy for root.
func (s *Store) ACL(root model.Root) (model.ObjectACL, error) {
	var acl model.ObjectACL
	key := model.Hash(root)
	if err := s.get(bucketACLs, key[:], &acl); err != nil {
		return model.ObjectACL{}, fmt.Errorf("acl %s: %w", root, err)
	}
	return acl, nil
}

// PutDeal persists a deal record snapshot.
func (s *Store) PutDeal(d model.Deal) error {
	return s.put(bucketDeals, d.ID[:], d)
}

// Deal loads a deal record by id.
func (s *Store) Deal(id uuid.UUID) (model.Deal, error) {
	var d model.Deal
	if err := s.get(bucketDeals, id[:], &d); err != nil {
		return model.Deal{}, fmt.Errorf("deal %s: %w", id, err)
	}
	return d, nil
}

// ListDeals returns every persisted deal record.
func (s *Store) ListDeals() ([]model.Deal, error) {
	var out []model.Deal
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeals).ForEach(func(_, data []byte) error {
			var d model.Deal
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// PutRepairTask persists a repair task snapshot.
func (s *Store) PutRepairTask(task model.RepairTask) error {
	return s.put(bucketRepairs, task.ID[:], task)
}

// RepairTask loads a repair task by id.
func (s *Store) RepairTask(id uuid.UUID) (model.RepairTask, error) {
	var task model.RepairTask
	if err := s.get(bucketRepairs, id[:], &task); err != nil {
		return model.RepairTask{}, fmt.Errorf("repair task %s: %w", id, err)
	}
	return task, nil
}

// PutOffer appends an offer to the persisted history.
func (s *Store) PutOffer(o model.Offer) error {
	return s.put(bucketOffers, o.ID[:], o)
}

// ListOffers returns every persisted offer.
func (s *Store) ListOffers() ([]model.Offer, error) {
	var out []model.Offer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffers).ForEach(func(_, data []byte) error {
			var o model.Offer
			if err := json.Unmarshal(data, &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	return out, err
}
