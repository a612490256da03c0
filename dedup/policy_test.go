package dedup

import (
	"testing"

	"github.com/webrecorder/recorder/cdx"
)

func TestSkipDupePolicy(t *testing.T) {
	var p SkipDupePolicy
	if got := p.Decide("d1", nil); got != ActionWriteFull {
		t.Errorf("no match: got %v, want ActionWriteFull", got)
	}
	if got := p.Decide("d1", &cdx.Entry{}); got != ActionSkip {
		t.Errorf("match: got %v, want ActionSkip", got)
	}
}

func TestWriteRevisitDupePolicy(t *testing.T) {
	var p WriteRevisitDupePolicy
	if got := p.Decide("d1", nil); got != ActionWriteFull {
		t.Errorf("no match: got %v, want ActionWriteFull", got)
	}
	if got := p.Decide("d1", &cdx.Entry{}); got != ActionWriteRevisit {
		t.Errorf("match: got %v, want ActionWriteRevisit", got)
	}
}

func TestWriteDupePolicy(t *testing.T) {
	var p WriteDupePolicy
	if got := p.Decide("d1", nil); got != ActionWriteFull {
		t.Errorf("no match: got %v, want ActionWriteFull", got)
	}
	if got := p.Decide("d1", &cdx.Entry{}); got != ActionWriteDupe {
		t.Errorf("match: got %v, want ActionWriteDupe", got)
	}
}
