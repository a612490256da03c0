// Package recorder implements the Recorder Service: the HTTP entry point
// that accepts a proxied transaction, runs it through the capture
// pipeline, and enqueues the result to a single writer goroutine that
// owns the WARC file cache and dedup index (spec.md §2, §5).
package recorder

import (
	"time"

	"github.com/webrecorder/recorder/dedup"
	"github.com/webrecorder/recorder/warc"
)

// DedupPolicyName selects a dedup.Policy from configuration (spec.md §6's
// dedup_policy ∈ {skip, revisit, dupe}).
type DedupPolicyName string

const (
	DedupSkip    DedupPolicyName = "skip"
	DedupRevisit DedupPolicyName = "revisit"
	DedupDupe    DedupPolicyName = "dupe"
)

func (n DedupPolicyName) policy() dedup.Policy {
	switch n {
	case DedupRevisit:
		return dedup.WriteRevisitDupePolicy{}
	case DedupDupe:
		return dedup.WriteDupePolicy{}
	default:
		return dedup.SkipDupePolicy{}
	}
}

// IndexFailureMode governs what happens when the dedup index is
// unreachable (spec.md §7).
type IndexFailureMode string

const (
	// IndexFailureStrict treats an index error the same as a WriteFailure:
	// the transaction is dropped and logged.
	IndexFailureStrict IndexFailureMode = "strict"
	// IndexFailureLenient skips the dedup check and writes the transaction
	// as a full response, as if no policy were configured.
	IndexFailureLenient IndexFailureMode = "lenient"
)

// Config holds every value spec.md §6 lists under "Configuration keys".
type Config struct {
	// ArchivePaths lists candidate destination templates recognizing
	// {user}, {coll}, {hostname}, {timestamp}; the first entry is the
	// live destination, matching pywb's multi-path archive_paths with a
	// single writable target (spec.md §6's plural key, DESIGN.md notes
	// the simplification).
	ArchivePaths []string

	// AcceptColls filters the upstream-supplied WebAgg-Source-Coll
	// header; empty means accept every source collection.
	AcceptColls []string

	DedupPolicy      DedupPolicyName
	IndexFailureMode IndexFailureMode

	ExcludeHeaders      []string
	RolloverIdleSeconds int
	SpillThresholdBytes int
	WarcinfoFields      map[string]string

	SpillDir               string
	UpstreamTimeoutSeconds int
	HighWatermark          int
	Codec                  warc.Codec
}

func (c Config) idleTimeout() time.Duration {
	if c.RolloverIdleSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RolloverIdleSeconds) * time.Second
}

func (c Config) spillThreshold() int {
	if c.SpillThresholdBytes <= 0 {
		return 1024 * 1024
	}
	return c.SpillThresholdBytes
}

func (c Config) upstreamTimeout() time.Duration {
	if c.UpstreamTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) highWatermark() int {
	if c.HighWatermark <= 0 {
		return 128
	}
	return c.HighWatermark
}

func (c Config) archivePath() string {
	if len(c.ArchivePaths) == 0 {
		return "warcs/{user}/{coll}/rec-{timestamp}-{hostname}.warc.gz"
	}
	return c.ArchivePaths[0]
}
