// ============================================================================
// Contest DB - Champion / Match Persistence Boundary
// ============================================================================
//
// Package: internal/contestdb
// File: contestdb.go
// Purpose: The durable persistence boundary named in spec.md §6/§7:
// champion compile status and artifacts, and match results. Grounded on
// internal/snapshot/snapshot_manager.go's design goals (atomic writes,
// versioned schema, fast recovery) but backed by a real transactional
// embedded KV store (go.etcd.io/bbolt) instead of a single
// temp-file-rename JSON file, since writes here happen concurrently from
// many match-orchestrator goroutines and must never interleave.
//
// ============================================================================

package contestdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a champion or match record doesn't exist.
	ErrNotFound = errors.New("contestdb: record not found")
	// ErrIncompatibleVersion mirrors snapshot_manager.go's version guard.
	ErrIncompatibleVersion = errors.New("contestdb: incompatible schema version")
)

const schemaVersion = 1

var (
	bucketChampions = []byte("champions")
	bucketMatches   = []byte("matches")
	bucketMeta      = []byte("meta")
	keySchemaVer    = []byte("schema_ver")
)

// ChampionStatus mirrors spec.md §3's Champion status enum.
type ChampionStatus string

const (
	ChampionCompiling ChampionStatus = "compiling"
	ChampionReady     ChampionStatus = "ready"
	ChampionError     ChampionStatus = "error"
)

// Champion is the durable record of one compiled champion.
type Champion struct {
	ID        string         `json:"id"`
	User      string         `json:"user"`
	Status    ChampionStatus `json:"status"`
	Artifact  []byte         `json:"artifact,omitempty"`
	Log       string         `json:"log"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MatchRecord is the durable record of one completed match.
type MatchRecord struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Players     []string       `json:"players"` // match_player_ids
	FinalScores map[string]int `json:"final_scores"`
	Dump        []byte         `json:"dump,omitempty"`
	FailureFlag bool           `json:"failure_flag"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DB wraps a bbolt database providing atomic champion/match persistence.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// its schema buckets and version are present and compatible.
func Open(path string) (*DB, error) {
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("contestdb: open: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChampions, bucketMatches, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		existing := meta.Get(keySchemaVer)
		if existing == nil {
			return meta.Put(keySchemaVer, []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		var got int
		fmt.Sscanf(string(existing), "%d", &got)
		if got != schemaVersion {
			return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, got, schemaVersion)
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{bolt: bdb}, nil
}

// Close releases the underlying file lock.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// PutChampion atomically writes a champion record.
func (d *DB) PutChampion(c Champion) error {
	c.UpdatedAt = timeNow()
	buf, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("contestdb: marshal champion: %w", err)
	}
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChampions).Put([]byte(c.ID), buf)
	})
}

// GetChampion reads a champion record.
func (d *DB) GetChampion(id string) (Champion, error) {
	var c Champion
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChampions).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

// GetArtifact returns a ready champion's compiled binary, satisfying
// internal/dispatch.ChampionStore.
func (d *DB) GetArtifact(championID string) ([]byte, error) {
	c, err := d.GetChampion(championID)
	if err != nil {
		return nil, err
	}
	if c.Status != ChampionReady {
		return nil, fmt.Errorf("contestdb: champion %s is not ready (status=%s)", championID, c.Status)
	}
	return c.Artifact, nil
}

// PutMatch atomically writes a match record. spec.md §7: "results are
// persisted atomically per match" -- bbolt's single Put within an Update
// transaction is all-or-nothing by construction.
func (d *DB) PutMatch(m MatchRecord) error {
	m.UpdatedAt = timeNow()
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("contestdb: marshal match: %w", err)
	}
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMatches).Put([]byte(m.ID), buf)
	})
}

// GetMatch reads a match record.
func (d *DB) GetMatch(id string) (MatchRecord, error) {
	var m MatchRecord
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMatches).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &m)
	})
	return m, err
}

// ListMatches returns every stored match record, for the operator status
// surface and crash-recovery audits.
func (d *DB) ListMatches() ([]MatchRecord, error) {
	var out []MatchRecord
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMatches).ForEach(func(k, v []byte) error {
			var m MatchRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// timeNow is a seam so tests can avoid depending on wall-clock time
// without needing a full clock interface.
var timeNow = time.Now
