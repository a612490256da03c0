// Package dedup implements the digest-based dedup policies and index
// contract described in spec.md §3/§9: on a digest hit, a Policy decides
// whether to skip the write, write a revisit record, or write the full
// record anyway with an extra revisit-mime CDX row.
package dedup

import "github.com/webrecorder/recorder/cdx"

// Action is the outcome of a Policy decision for a captured transaction.
type Action int

const (
	// ActionWriteFull writes the captured response as a normal record —
	// either because no prior digest match exists, or the policy ignores
	// matches entirely.
	ActionWriteFull Action = iota
	// ActionSkip drops the write: no WARC record, no new CDX row.
	ActionSkip
	// ActionWriteRevisit writes a revisit record referencing the prior
	// match's WARC-Target-URI/WARC-Date instead of the full payload.
	ActionWriteRevisit
	// ActionWriteDupe writes the full record anyway, and additionally
	// inserts a revisit-mime CDX row alongside the new row, referencing
	// the original match's record (spec.md §9's open-question resolution).
	ActionWriteDupe
)

// Policy decides what to do with a captured transaction given the digest
// of its payload and any prior CDX entry matching that digest.
type Policy interface {
	Decide(digest string, existing *cdx.Entry) Action
}

// SkipDupePolicy never writes duplicate payloads twice; a hit is dropped
// entirely, leaving the index and archive untouched (grounded on
// original_source's SkipDupePolicy).
type SkipDupePolicy struct{}

func (SkipDupePolicy) Decide(_ string, existing *cdx.Entry) Action {
	if existing != nil {
		return ActionSkip
	}
	return ActionWriteFull
}

// WriteRevisitDupePolicy replaces a duplicate payload with a revisit
// record (grounded on original_source's WriteRevisitDupePolicy).
type WriteRevisitDupePolicy struct{}

func (WriteRevisitDupePolicy) Decide(_ string, existing *cdx.Entry) Action {
	if existing != nil {
		return ActionWriteRevisit
	}
	return ActionWriteFull
}

// WriteDupePolicy always writes the full payload, but records the
// duplicate relationship as an extra revisit-mime CDX row (grounded on
// original_source's WriteDupePolicy).
type WriteDupePolicy struct{}

func (WriteDupePolicy) Decide(_ string, existing *cdx.Entry) Action {
	if existing != nil {
		return ActionWriteDupe
	}
	return ActionWriteFull
}
