package db

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store resource not found")

const lastProcessedBlockKey = "lpb"

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "referral-worker-internal-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &PebbleStore{db: db}, nil
}

func (ps *PebbleStore) SetLastProcessedBlock(block uint64) error {
	key := []byte(lastProcessedBlockKey)
	var value []byte
	value = binary.BigEndian.AppendUint64(value, block)

	err := ps.db.Set(key, value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting key [%s] to [%d]", lastProcessedBlockKey, block)
	}

	return nil
}

func (ps *PebbleStore) GetLastProcessedBlock() (block uint64, err error) {
	key := []byte(lastProcessedBlockKey)

	value, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting value for key [%s]", lastProcessedBlockKey)
	}
	defer func(closer io.Closer) {
		err := closer.Close()
		if err != nil {
			log.Printf("[ERROR] closing db: %v", err)
		}
	}(closer)

	block = binary.BigEndian.Uint64(value)
	return block, nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}
