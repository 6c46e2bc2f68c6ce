package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/quarry-storage/quarry/pkg/model"
)

// ShardStore keeps raw shard bytes on a filesystem, one file per shard
// under shards/<root hex>/<index>. The filesystem is abstracted so tests
// run against memory.
type ShardStore struct {
	fs   afero.Fs
	base string
}

func NewShardStore(fs afero.Fs, base string) *ShardStore {
	return &ShardStore{fs: fs, base: base}
}

func (s *ShardStore) shardPath(root model.Root, index uint64) string {
	return filepath.Join(s.base, "shards", model.Hash(root).String(), fmt.Sprintf("%d", index))
}

// StoreShard writes the shard bytes, replacing any previous content.
func (s *ShardStore) StoreShard(root model.Root, index uint64, data []byte) error {
	path := s.shardPath(root, index)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating shard dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("writing shard %d of %s: %w", index, root, err)
	}
	return nil
}

// FetchShard reads the shard bytes, or NotFound if the shard was never
// stored or has been deleted.
func (s *ShardStore) FetchShard(root model.Root, index uint64) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.shardPath(root, index))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("shard %d of %s: %w", index, root, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading shard %d of %s: %w", index, root, err)
	}
	return data, nil
}

// HasShard reports whether the shard file exists without reading it.
func (s *ShardStore) HasShard(root model.Root, index uint64) (bool, error) {
	_, err := s.fs.Stat(s.shardPath(root, index))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat shard %d of %s: %w", index, root, err)
	}
	return true, nil
}

// DeleteShard removes a stored shard. Deleting a missing shard is not an
// error.
func (s *ShardStore) DeleteShard(root model.Root, index uint64) error {
	err := s.fs.Remove(s.shardPath(root, index))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting shard %d of %s: %w", index, root, err)
	}
	return nil
}
