// Package certstore persists device certificates in a BoltDB file. Only
// public material is stored: certificates never carry private keys.
package certstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/crypto/identity"
)

var bucketCerts = []byte("device_certificates")

var ErrNotFound = errors.New("certificate not found")

type Store struct{ db *bolt.DB }

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketCerts)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores cert under its device id, replacing any earlier certificate.
func (s *Store) Put(cert *identity.DeviceCertificate) error {
	v, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCerts)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put(cert.DeviceID[:], v)
	})
}

// Get returns the certificate for deviceID or ErrNotFound.
func (s *Store) Get(deviceID uuid.UUID) (*identity.DeviceCertificate, error) {
	var cert *identity.DeviceCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCerts)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		v := bk.Get(deviceID[:])
		if v == nil {
			return ErrNotFound
		}
		cert = new(identity.DeviceCertificate)
		return json.Unmarshal(v, cert)
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// List returns every stored certificate ordered by device id.
func (s *Store) List() ([]*identity.DeviceCertificate, error) {
	var certs []*identity.DeviceCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCerts)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.ForEach(func(k, v []byte) error {
			cert := new(identity.DeviceCertificate)
			if err := json.Unmarshal(v, cert); err != nil {
				return fmt.Errorf("corrupt certificate record %x: %w", k, err)
			}
			certs = append(certs, cert)
			return nil
		})
	})
	return certs, err
}

// Delete removes deviceID's certificate. Deleting a missing entry is not an
// error.
func (s *Store) Delete(deviceID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCerts)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete(deviceID[:])
	})
}

// PruneExpired removes certificates whose ValidTo is before now.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCerts)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cert identity.DeviceCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				continue
			}
			if cert.ValidTo.Before(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Ping checks the database is readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCerts) == nil {
			return bolt.ErrBucketNotFound
		}
		return nil
	})
}
