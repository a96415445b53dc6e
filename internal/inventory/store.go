// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package inventory

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/logging"
)

// ErrNotFound is returned when a spool id has no record.
var ErrNotFound = errors.New("inventory: spool not found")

const spoolKeyPrefix = "spool/"

// SpoolRecord is one filament spool in the inventory.
type SpoolRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Material   string `json:"material"`
	Color      string `json:"color"`
	FilamentID string `json:"filament_id,omitempty"`

	// TotalWeight is the spool's filament weight when full, in grams.
	TotalWeight float32 `json:"total_weight"`
	// ConsumedWeight is the grams consumed since the spool was last weighed.
	ConsumedWeight float32 `json:"consumed_weight"`

	// KValue is the formatted flow calibration factor recorded for the
	// spool, if any.
	KValue string `json:"k_value,omitempty"`

	UpdatedAt     time.Time  `json:"updated_at"`
	LastRemovedAt *time.Time `json:"last_removed_at,omitempty"`
}

// RemainingWeight returns the grams left on the spool, clamped at zero.
func (r *SpoolRecord) RemainingWeight() float32 {
	if r.ConsumedWeight >= r.TotalWeight {
		return 0
	}
	return r.TotalWeight - r.ConsumedWeight
}

// Store is the spool inventory, backed by an embedded badger database.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the inventory database at dir.
func Open(dir string) (*Store, error) {
	logger := logging.WithComponent("inventory")
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerAdapter{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("inventory: open %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func spoolKey(id string) []byte {
	return []byte(spoolKeyPrefix + id)
}

// Get returns the record for a spool id.
func (s *Store) Get(id string) (*SpoolRecord, error) {
	var rec SpoolRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(spoolKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put writes a spool record.
func (s *Store) Put(rec *SpoolRecord) error {
	if rec.ID == "" {
		return errors.New("inventory: spool record without id")
	}
	rec.UpdatedAt = time.Now()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("inventory: encode spool %s: %w", rec.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(spoolKey(rec.ID), payload)
	})
}

// Delete removes a spool record. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(spoolKey(id))
	})
}

// List returns all spool records.
func (s *Store) List() ([]SpoolRecord, error) {
	var recs []SpoolRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(spoolKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec SpoolRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// SpoolConsumedWeight implements bambu.SpoolLookup.
func (s *Store) SpoolConsumedWeight(id string) (float32, bool) {
	rec, err := s.Get(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Str("spool", id).Msg("spool lookup failed")
		}
		return 0, false
	}
	return rec.ConsumedWeight, true
}

// AddConsumed folds consumed grams into a spool record.
func (s *Store) AddConsumed(id string, grams float32) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.ConsumedWeight += grams
	return s.Put(rec)
}

// MarkRemoved records that a spool left a printer tray.
func (s *Store) MarkRemoved(id string, at time.Time) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.LastRemovedAt = &at
	return s.Put(rec)
}

// badgerAdapter routes badger's internal logging into zerolog.
type badgerAdapter struct {
	logger zerolog.Logger
}

func (a badgerAdapter) Errorf(format string, args ...any) {
	a.logger.Error().Msgf(trimNewline(format), args...)
}

func (a badgerAdapter) Warningf(format string, args ...any) {
	a.logger.Warn().Msgf(trimNewline(format), args...)
}

func (a badgerAdapter) Infof(format string, args ...any) {
	a.logger.Debug().Msgf(trimNewline(format), args...)
}

func (a badgerAdapter) Debugf(format string, args ...any) {
	a.logger.Trace().Msgf(trimNewline(format), args...)
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
