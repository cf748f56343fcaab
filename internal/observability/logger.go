// Package observability wires structured logging, metrics, and tracing for
// the core — the ambient stack spec.md §1 carries regardless of any
// functional non-goal.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger tagged with namespace and
// machine identity.
func NewLogger(namespace, machineName string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("namespace", namespace).
		Str("machine", machineName).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithInode adds ino context to the logger.
func (l *Logger) WithInode(ino uint64) *Logger {
	return &Logger{
		logger: l.logger.With().Uint64("ino", ino).Logger(),
	}
}

// WithChunk adds chunk_id context to the logger.
func (l *Logger) WithChunk(chunkID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("chunk_id", chunkID).Logger(),
	}
}

// WithPeer adds peer machine context to the logger.
func (l *Logger) WithPeer(machineID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_machine", machineID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ChunkSealed logs a chunk having been sealed and handed to the backend.
func (l *Logger) ChunkSealed(chunkID string, plaintextLen int, compressed bool) {
	l.logger.Debug().
		Str("chunk_id", chunkID).
		Int("plaintext_len", plaintextLen).
		Bool("compressed", compressed).
		Msg("chunk sealed")
}

// ChunkOpenFailed logs an authentication failure opening a chunk.
func (l *Logger) ChunkOpenFailed(chunkID string, err error) {
	l.logger.Error().
		Str("chunk_id", chunkID).
		Err(err).
		Msg("chunk authentication failed")
}

// SyncCycleCompleted logs the outcome of one oplog sync cycle.
func (l *Logger) SyncCycleCompleted(uploaded, applied, conflicts int, duration time.Duration) {
	l.logger.Info().
		Int("ops_uploaded", uploaded).
		Int("ops_applied", applied).
		Int("conflicts", conflicts).
		Float64("duration_seconds", duration.Seconds()).
		Msg("sync cycle completed")
}

// ConflictDetected logs a CRDT conflict and the resolution taken.
func (l *Logger) ConflictDetected(ino uint64, strategy string, resolution string) {
	l.logger.Warn().
		Uint64("ino", ino).
		Str("strategy", strategy).
		Str("resolution", resolution).
		Msg("conflicting operation resolved")
}

// RefcountSwept logs chunks deleted after reaching a zero refcount.
func (l *Logger) RefcountSwept(count int) {
	l.logger.Info().
		Int("chunks_swept", count).
		Msg("refcount sweep removed unreferenced chunks")
}

// SnapshotCreated logs a full metadata snapshot having been sealed and
// uploaded by a master.
func (l *Logger) SnapshotCreated(version uint64, inodeCount int, sealedLen int) {
	l.logger.Info().
		Uint64("snapshot_version", version).
		Int("inode_count", inodeCount).
		Int("sealed_bytes", sealedLen).
		Msg("snapshot created")
}

// SnapshotApplied logs a replica having adopted a newer snapshot.
func (l *Logger) SnapshotApplied(version uint64, inodeCount int, zeroedChunks int) {
	l.logger.Info().
		Uint64("snapshot_version", version).
		Int("inode_count", inodeCount).
		Int("chunks_swept", zeroedChunks).
		Msg("snapshot applied")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
