// Package tokendriver implements the persistent (flash-backed)
// keystore driver (spec §3, §6.3), grounded on
// original_source/sw/libhal/ks_token.c, which drives bare NOR flash
// arranged in fixed-size subsector blocks. hsmcore has no bare flash
// to drive, so the durable-storage role ks_token.c fills is played by
// go.etcd.io/bbolt: a single bucket keyed by big-endian block number,
// giving the same "persisted fixed-size block, survives process
// restart" contract the rest of the keystore code depends on.
package tokendriver

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/cryptech/hsmcore/internal/herr"
)

var bucketName = []byte("ks-token-blocks")

// Driver is a bbolt-backed block store sized at construction time
// (mirroring NUM_FLASH_BLOCKS, computed once from the configured
// flash geometry in ks_token.c).
type Driver struct {
	db   *bbolt.DB
	size int
}

// Open opens (creating if necessary) a bbolt database at path holding
// size blocks.
func Open(path string, size int) (*Driver, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, herr.New(herr.IOSetupFailed, "tokendriver.Open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, herr.New(herr.IOSetupFailed, "tokendriver.Open", err)
	}
	return &Driver{db: db, size: size}, nil
}

// Close releases the underlying database handle.
func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return herr.New(herr.IOUnexpected, "tokendriver.Close", err)
	}
	return nil
}

// Size reports the configured block count.
func (d *Driver) Size() int { return d.size }

func key(blockno uint16) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], blockno)
	return k[:]
}

// Read returns blockno's persisted contents, or an erased block if
// nothing has been written there yet.
func (d *Driver) Read(blockno uint16) ([]byte, error) {
	if int(blockno) >= d.size {
		return nil, herr.New(herr.BadArguments, "tokendriver.Read", nil)
	}
	var out []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(key(blockno))
		if v == nil {
			out = erasedBlock()
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, herr.New(herr.IOUnexpected, "tokendriver.Read", err)
	}
	return out, nil
}

// Write persists buf as blockno's contents.
func (d *Driver) Write(blockno uint16, buf []byte) error {
	if int(blockno) >= d.size {
		return herr.New(herr.BadArguments, "tokendriver.Write", nil)
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(blockno), buf)
	})
	if err != nil {
		return herr.New(herr.IOUnexpected, "tokendriver.Write", err)
	}
	return nil
}

// Erase removes blockno's entry, causing subsequent reads to return an
// erased block (the flash equivalent of a subsector erase).
func (d *Driver) Erase(blockno uint16) error {
	if int(blockno) >= d.size {
		return herr.New(herr.BadArguments, "tokendriver.Erase", nil)
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(blockno))
	})
	if err != nil {
		return herr.New(herr.IOUnexpected, "tokendriver.Erase", err)
	}
	return nil
}

const blockSize = 8192

func erasedBlock() []byte {
	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}
