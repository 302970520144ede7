package persist

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nodedht/mdht/dhtid"
)

var nodesBucket = []byte("nodes")

// BoltStore is a NodeStore backed by a single-file bbolt database, keyed by
// the packed 20-byte node id with the packed 6-byte endpoint as the value
// — the same wire representation krpc already uses for node records, so no
// separate serialization format is introduced for persistence.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: initializing bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// SaveNodes replaces the bucket's contents with nodes.
func (s *BoltStore) SaveNodes(nodes []StoredNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(nodesBucket)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			idBytes, err := dhtid.Encode(n.ID)
			if err != nil {
				return fmt.Errorf("persist: encoding node id: %w", err)
			}
			epBytes, err := dhtid.EncodeEndpoint(n.Endpoint)
			if err != nil {
				return fmt.Errorf("persist: encoding endpoint: %w", err)
			}
			if err := b.Put(idBytes, epBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadNodes returns every node currently saved.
func (s *BoltStore) LoadNodes() ([]StoredNode, error) {
	var out []StoredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		return b.ForEach(func(k, v []byte) error {
			id, err := dhtid.Decode(k)
			if err != nil {
				return fmt.Errorf("persist: decoding node id: %w", err)
			}
			ep, err := dhtid.DecodeEndpoint(v)
			if err != nil {
				return fmt.Errorf("persist: decoding endpoint: %w", err)
			}
			out = append(out, StoredNode{ID: id, Endpoint: ep})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
