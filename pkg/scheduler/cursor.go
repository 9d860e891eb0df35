package scheduler

import (
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cursorBucket = []byte("cursors")

// CursorStore persists named scan cursors across restarts in a small bbolt
// file. Cursors are stored as strings; "0" (or absence) means "start from
// the beginning".
type CursorStore struct {
	db *bolt.DB
}

func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cursor bucket: %w", err)
	}
	return &CursorStore{db: db}, nil
}

func (c *CursorStore) Close() error {
	return c.db.Close()
}

// Get returns the cursor's position, 0 when unset or unparseable.
func (c *CursorStore) Get(name string) (int64, error) {
	var pos int64
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cursorBucket).Get([]byte(name))
		if raw == nil {
			return nil
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil
		}
		pos = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", name, err)
	}
	return pos, nil
}

// Set records the cursor's position. Setting 0 resets the scan to the start.
func (c *CursorStore) Set(name string, pos int64) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put([]byte(name), []byte(strconv.FormatInt(pos, 10)))
	})
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", name, err)
	}
	return nil
}
