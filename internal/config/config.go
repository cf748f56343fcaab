// Package config defines the semantic configuration surface consumed by the
// core (spec.md §6). Parsing config files and performing ${VAR} environment
// substitution are external collaborators; this package only defines the
// resulting typed values and their defaults.
package config

import "time"

// ConflictResolution selects the CRDT merge strategy for concurrent writes
// (spec.md §4.7).
type ConflictResolution string

const (
	LastWriteWins ConflictResolution = "last-write-wins"
	Manual        ConflictResolution = "manual"
	MergeStrategy ConflictResolution = "merge"
)

// DistributionMode selects how a namespace coordinates across machines.
type DistributionMode string

const (
	ModeStandalone     DistributionMode = "standalone"
	ModeMasterReplica  DistributionMode = "master-replica"
	ModeDistributed    DistributionMode = "distributed"
)

// Role distinguishes the two ends of a master-replica namespace.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// ChunkConfig configures the chunker and its deduplication/compression gates.
type ChunkConfig struct {
	ChunkSize         int64
	CompressionEnabled bool
	DedupEnabled      bool
}

// EncryptionConfig tunes the Argon2id password KDF (spec.md §3).
type EncryptionConfig struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// CacheConfig tunes the disk-backed chunk cache.
type CacheConfig struct {
	MaxSize         int64
	PrefetchEnabled bool
	PrefetchCount   int
}

// VersioningConfig controls whether prior chunk/manifest versions are kept.
type VersioningConfig struct {
	Enabled    bool
	MaxVersions int
}

// MasterReplicaConfig configures a namespace running in master-replica mode.
type MasterReplicaConfig struct {
	Role              Role
	MasterID          string
	SyncIntervalSecs  int
	SnapshotRetention int
}

// DistributedConfig configures a namespace running in multi-writer
// distributed mode.
type DistributedConfig struct {
	SyncIntervalMS         int
	ConflictResolution     ConflictResolution
	OperationLogRetention  time.Duration
}

// DistributionConfig selects and parameterizes the coordination mode.
type DistributionConfig struct {
	Mode          DistributionMode
	MasterReplica MasterReplicaConfig
	Distributed   DistributedConfig
}

// NamespaceConfig describes one mounted namespace.
type NamespaceConfig struct {
	Name       string
	Type       DistributionMode
	MountPoint string
	ClusterID  string
	MasterID   string
	Access     []ACLRuleConfig
}

// ACLRuleConfig is the config-surface form of an ACL rule (spec.md §4.6).
type ACLRuleConfig struct {
	Subject     string
	Permissions []string
	PathPattern string
}

// Config is the fully-resolved (post environment-substitution) semantic
// configuration for the core.
type Config struct {
	Chunk        ChunkConfig
	Encryption   EncryptionConfig
	Cache        CacheConfig
	Versioning   VersioningConfig
	Distribution DistributionConfig
	Namespaces   []NamespaceConfig
	DataDir      string
}

// Default returns spec.md §6's documented defaults.
func Default() Config {
	return Config{
		Chunk: ChunkConfig{
			ChunkSize:          50 * 1024 * 1024,
			CompressionEnabled: true,
			DedupEnabled:       true,
		},
		Encryption: EncryptionConfig{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: 4,
		},
		Cache: CacheConfig{
			MaxSize:         1 << 30,
			PrefetchEnabled: true,
			PrefetchCount:   8,
		},
		Versioning: VersioningConfig{
			Enabled:     false,
			MaxVersions: 1,
		},
		Distribution: DistributionConfig{
			Mode: ModeStandalone,
			MasterReplica: MasterReplicaConfig{
				SyncIntervalSecs:  60,
				SnapshotRetention: 5,
			},
			Distributed: DistributedConfig{
				SyncIntervalMS:        1000,
				ConflictResolution:    LastWriteWins,
				OperationLogRetention: 7 * 24 * time.Hour,
			},
		},
	}
}
