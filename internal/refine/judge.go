package refine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedCritique marks a critique with no text. It is never mapped to
// a verdict: the caller re-invokes the critic instead of guessing.
var ErrMalformedCritique = errors.New("malformed critic response")

// Judge classifies critiques by looking for an explicit accept marker.
// The critic's role instruction promises to emit the marker when it is
// satisfied; the judge performs no sentiment analysis and depends entirely
// on that contract.
type Judge struct {
	marker string
}

// NewJudge creates a judge for the given accept marker. Empty uses
// DefaultAcceptMarker.
func NewJudge(marker string) *Judge {
	if marker == "" {
		marker = DefaultAcceptMarker
	}
	return &Judge{marker: marker}
}

// Marker returns the accept marker the judge looks for.
func (j *Judge) Marker() string { return j.marker }

// Classify returns the verdict for a critique. The accept marker takes
// precedence: a critique carrying both the marker and further revision text
// is still an acceptance, and the extra text is informational only.
func (j *Judge) Classify(critique string) (Verdict, error) {
	if strings.TrimSpace(critique) == "" {
		return "", fmt.Errorf("%w: empty critique", ErrMalformedCritique)
	}
	if strings.Contains(critique, j.marker) {
		return VerdictAccepted, nil
	}
	return VerdictNeedsRevision, nil
}

// approvedSectionHeader is the structured section a critic may emit with
// its own rewrite of the prompt. The rewrite is surfaced in transcripts but
// never overrides the accepted candidate.
const approvedSectionHeader = "### Final Approved Prompt:"

// ApprovedPrompt extracts the critic's own rewrite from a critique, when
// the structured section is present.
func ApprovedPrompt(critique string) (string, bool) {
	idx := strings.Index(critique, approvedSectionHeader)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(critique[idx+len(approvedSectionHeader):]), true
}
