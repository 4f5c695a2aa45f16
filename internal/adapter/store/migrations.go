package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"pkb/config"
	"pkb/internal/adapter/loader"
)

// CurrentSchemaVersion is the current state schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 2

var (
	keySchemaVersion = []byte("schema_version")
	keyConfigHash    = []byte("config_hash")
)

// SchemaInfo stores schema version and configuration hash.
type SchemaInfo struct {
	Version    int    `json:"version"`
	ConfigHash string `json:"config_hash"`
}

// GetSchemaInfo reads the version and configuration hash of the state
// database. A fresh database reports version 0.
func (s *StateStore) GetSchemaInfo() (*SchemaInfo, error) {
	info := &SchemaInfo{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		*info = readSchemaInfo(tx.Bucket(bucketMeta))
		return nil
	})
	return info, err
}

// SetSchemaInfo overwrites the stored version and configuration hash.
func (s *StateStore) SetSchemaInfo(info *SchemaInfo) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return writeSchemaInfo(tx.Bucket(bucketMeta), *info)
	})
}

func readSchemaInfo(meta *bbolt.Bucket) SchemaInfo {
	var info SchemaInfo
	if meta == nil {
		return info
	}
	if raw := meta.Get(keySchemaVersion); raw != nil && json.Unmarshal(raw, &info.Version) != nil {
		// Unreadable versions predate the JSON encoding.
		info.Version = 1
	}
	info.ConfigHash = string(meta.Get(keyConfigHash))
	return info
}

func writeSchemaInfo(meta *bbolt.Bucket, info SchemaInfo) error {
	version, err := json.Marshal(info.Version)
	if err != nil {
		return err
	}
	if err := meta.Put(keySchemaVersion, version); err != nil {
		return err
	}
	return meta.Put(keyConfigHash, []byte(info.ConfigHash))
}

// ComputeConfigHash hashes the configuration that determines stored vectors.
// A change means every record must be re-embedded.
func ComputeConfigHash(cfg *config.Config) string {
	relevant := struct {
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		Dimension  int    `json:"dimension"`
		Metric     string `json:"metric"`
		Projection int    `json:"projection"`
	}{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimension:  cfg.Embedding.Dimension,
		Metric:     cfg.Store.Metric,
		Projection: loader.ProjectionVersion,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsMigration bool
	NeedsRebuild   bool
	OldVersion     int
	NewVersion     int
	Reason         string
}

// CheckMigration checks if migration or a full re-ingestion is needed.
func (s *StateStore) CheckMigration(cfg *config.Config) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema info: %w", err)
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	switch {
	case info.Version == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
	case info.Version < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("state created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
		return result, nil
	}

	if info.ConfigHash != "" && info.ConfigHash != ComputeConfigHash(cfg) {
		result.NeedsRebuild = true
		result.Reason = "embedding configuration changed"
	}

	return result, nil
}

// migrations upgrade the state database from the keyed version to the next.
var migrations = map[int]func(tx *bbolt.Tx) error{
	// v1 kept one flat manifest bucket shared by every collection.
	1: func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte("manifest")) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte("manifest"))
	},
}

// Migrate upgrades the state database to CurrentSchemaVersion and records the
// configuration hash of cfg. All steps run in one transaction.
func (s *StateStore) Migrate(cfg *config.Config) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		info := readSchemaInfo(meta)

		for v := info.Version; v < CurrentSchemaVersion; v++ {
			step, ok := migrations[v]
			if !ok {
				continue
			}
			if err := step(tx); err != nil {
				return fmt.Errorf("migration from v%d to v%d failed: %w", v, v+1, err)
			}
		}

		return writeSchemaInfo(meta, SchemaInfo{
			Version:    CurrentSchemaVersion,
			ConfigHash: ComputeConfigHash(cfg),
		})
	})
}
