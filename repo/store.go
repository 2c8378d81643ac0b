// Package repo implements the per-key commit DAG store of spec.md §4.4: a
// persisted append-only commit log, head/leaf/value caches, the
// pending-parent queue, and the quarantine bucket.
package repo

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/goatplatform/goatdb-core/hash"
)

// Bucket names of the durable bbolt index, grounded on
// kilupskalvis-wvc/internal/store/bbolt.go's single-file-per-store layout.
var (
	bucketHeads       = []byte("heads")        // key -> head commit id
	bucketLeaves      = []byte("leaves")       // key -> comma-separated commit ids
	bucketCommitIndex = []byte("commit_index") // key -> comma-separated commit ids, all commits for key
	bucketQuarantine  = []byte("quarantine")   // key -> reason string
	bucketPending     = []byte("pending")      // commit id -> serialized commit (parents not yet present)
)

// store wraps the durable bbolt-backed index. Every repository opens its own
// store file; the append-only commit log is a separate newline-delimited
// JSON file per spec.md §6 "On-disk layout".
type store struct {
	db *bolt.DB
}

func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create repository directory")
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open repository index")
	}
	s := &store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHeads, bucketLeaves, bucketCommitIndex, bucketQuarantine, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "create bucket %s", b)
			}
		}
		return nil
	})
}

func (s *store) close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *store) setHead(key string, id hash.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeads).Put([]byte(key), []byte(id.String()))
	})
}

func (s *store) getHead(key string) (hash.Hash, bool, error) {
	var out hash.Hash
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeads).Get([]byte(key))
		if v == nil {
			return nil
		}
		h, err := hash.Parse(string(v))
		if err != nil {
			return err
		}
		out, ok = h, true
		return nil
	})
	return out, ok, err
}

func (s *store) setLeaves(key string, ids []hash.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeaves).Put([]byte(key), encodeHashList(ids))
	})
}

func (s *store) getLeaves(key string) ([]hash.Hash, error) {
	var out []hash.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLeaves).Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := decodeHashList(v)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	return out, err
}

func (s *store) addToCommitIndex(key string, id hash.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommitIndex)
		v := b.Get([]byte(key))
		var ids []hash.Hash
		if v != nil {
			var err error
			ids, err = decodeHashList(v)
			if err != nil {
				return err
			}
		}
		ids = append(ids, id)
		return b.Put([]byte(key), encodeHashList(ids))
	})
}

func (s *store) commitIDsForKey(key string) ([]hash.Hash, error) {
	var out []hash.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommitIndex).Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := decodeHashList(v)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	return out, err
}

func (s *store) quarantine(key, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuarantine).Put([]byte(key), []byte(reason))
	})
}

func (s *store) unquarantine(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuarantine).Delete([]byte(key))
	})
}

// quarantined returns the full key -> reason map, per SPEC_FULL.md's
// supplemented quarantine-bucket feature.
func (s *store) quarantined() (map[string]string, error) {
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuarantine).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

func (s *store) putPending(id hash.Hash, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(id.String()), data)
	})
}

func (s *store) deletePending(id hash.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(id.String()))
	})
}

func (s *store) allPending() (map[string][]byte, error) {
	out := map[string][]byte{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

func encodeHashList(ids []hash.Hash) []byte {
	out := make([]byte, 0, len(ids)*(hash.ByteLen*2+1))
	for i, id := range ids {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, []byte(id.String())...)
	}
	return out
}

func decodeHashList(b []byte) ([]hash.Hash, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []hash.Hash
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == ',' {
			h, err := hash.Parse(string(b[start:i]))
			if err != nil {
				return nil, errors.Wrap(err, "decode hash list")
			}
			out = append(out, h)
			start = i + 1
		}
	}
	return out, nil
}
