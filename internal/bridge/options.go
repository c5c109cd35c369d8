package bridge

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/livequery/internal/source"
)

// MetadataPolicy decides what happens to deliveries that only changed
// snapshot metadata.
type MetadataPolicy int

const (
	// MetadataOverwrite writes every delivery to the cache, even when the
	// raw value is unchanged.
	MetadataOverwrite MetadataPolicy = iota
	// MetadataSkipUnchanged drops a delivery whose raw value equals the
	// last applied one.
	MetadataSkipUnchanged
)

// String returns the configuration spelling of the policy.
func (p MetadataPolicy) String() string {
	switch p {
	case MetadataOverwrite:
		return "overwrite"
	case MetadataSkipUnchanged:
		return "skip-unchanged"
	default:
		return "unknown"
	}
}

// ParseMetadataPolicy parses "overwrite" or "skip-unchanged". The empty
// string is MetadataOverwrite.
func ParseMetadataPolicy(s string) (MetadataPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return MetadataOverwrite, nil
	case "skip-unchanged":
		return MetadataSkipUnchanged, nil
	default:
		return MetadataOverwrite, fmt.Errorf("invalid metadata policy %q (want overwrite or skip-unchanged)", s)
	}
}

// Options configures one query. The zero value is a one-shot read of the
// default copy, shaped to its value.
type Options struct {
	// Subscribe attaches a live listener instead of reading once.
	Subscribe bool

	// IncludeMetadataChanges is passed to the listener.
	IncludeMetadataChanges bool

	// Source selects the copy for one-shot reads. Listeners ignore it
	// unless SeedSubscription is set.
	Source source.ReadMode

	// Snapshot stores the source snapshot itself, with its metadata, instead
	// of its value. It cannot be combined with ToArray.
	Snapshot bool

	// ToArray shapes tree snapshots into the ordered array of their
	// children's values.
	ToArray bool

	// MetadataUpdates decides whether metadata-only deliveries overwrite
	// the cached value.
	MetadataUpdates MetadataPolicy

	// SeedSubscription performs a one-shot read honoring Source before the
	// listener's first delivery. Any listener delivery supersedes the seed.
	SeedSubscription bool
}

func (o Options) listenOptions() source.ListenOptions {
	return source.ListenOptions{IncludeMetadataChanges: o.IncludeMetadataChanges}
}
