package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/dhtcrawler/crawld/internal/bencode"
	"github.com/dhtcrawler/crawld/internal/krpc"
)

var (
	completedBucket = []byte("completed")
	metadataBucket  = []byte("metadata")
)

// BoltStore is the reference Store implementation, backed by a single
// go.etcd.io/bbolt file. It keeps two buckets: one recording every
// infohash that should never be refetched (valid or corrupt), and one
// holding the raw bencoded info dict for the infohashes that validated
// cleanly.
type BoltStore struct {
	db *bbolt.DB
}

// Open creates or opens the bolt database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "store: opening bolt database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(completedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: initializing buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) IsNew(ih krpc.ID) (bool, error) {
	isNew := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(completedBucket).Get(ih[:])
		isNew = v == nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "store: IsNew")
	}
	return isNew, nil
}

// Add validates metadata as a bencoded `info` dict, then unconditionally
// marks ih completed (so it's never refetched) and, only if the dict
// validated, also stores the raw bytes.
func (s *BoltStore) Add(ih krpc.ID, metadata []byte) (bool, error) {
	valid := validateInfoDict(metadata) == nil
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(completedBucket).Put(ih[:], []byte{1}); err != nil {
			return err
		}
		if valid {
			return tx.Bucket(metadataBucket).Put(ih[:], metadata)
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "store: Add")
	}
	return valid, nil
}

func (s *BoltStore) CompletedInfoHashes() ([]krpc.ID, error) {
	var out []krpc.ID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(completedBucket).ForEach(func(k, _ []byte) error {
			id, err := krpc.IDFromString(string(k))
			if err != nil {
				return nil // corrupt key, skip rather than fail startup
			}
			out = append(out, id)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: CompletedInfoHashes")
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return errors.Wrap(s.db.Close(), "store: Close")
}

// validateInfoDict implements the late `info`-dict validation the
// coordinator relies on persistence for: a well-formed `name` with no
// path separator, and either a positive `length` (single-file torrent)
// or a non-empty, well-formed `files` list (multi-file torrent).
func validateInfoDict(metadata []byte) error {
	v, err := bencode.Decode(metadata)
	if err != nil {
		return errors.Wrap(err, "info dict is not valid bencode")
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("info dict is not a dictionary")
	}
	name, ok := dict["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("info dict missing non-empty name")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("info dict name contains path separator: %q", name)
	}
	if length, ok := dict["length"].(int64); ok {
		if length <= 0 {
			return fmt.Errorf("info dict length must be positive, got %d", length)
		}
		return nil
	}
	files, ok := dict["files"].([]interface{})
	if !ok || len(files) == 0 {
		return fmt.Errorf("info dict has neither a positive length nor a files list")
	}
	for _, f := range files {
		fd, ok := f.(map[string]interface{})
		if !ok {
			return fmt.Errorf("info dict files entry is not a dictionary")
		}
		length, ok := fd["length"].(int64)
		if !ok || length <= 0 {
			return fmt.Errorf("info dict files entry missing positive length")
		}
		path, ok := fd["path"].([]interface{})
		if !ok || len(path) == 0 {
			return fmt.Errorf("info dict files entry missing path")
		}
	}
	return nil
}
