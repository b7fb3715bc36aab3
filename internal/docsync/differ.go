package docsync

import (
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrPatchMismatch indicates that a patch's context did not match the local document.
	ErrPatchMismatch = errors.New("docsync: patch context mismatch")
	// ErrMalformedPatch indicates that a patch could not be parsed.
	ErrMalformedPatch = errors.New("docsync: malformed patch")
)

// Differ computes and applies portable edit scripts.
type Differ interface {
	// Diff returns an edit script turning from into to, or "" when the texts are equal.
	Diff(from, to string) (string, error)
	// Apply applies an edit script to text, failing when any hunk's context does not match.
	Apply(patch, text string) (string, error)
}

// PatchDiffer implements Differ with diff-match-patch patch text, the format the room server applies.
type PatchDiffer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewPatchDiffer returns a PatchDiffer with strict matching so drifted documents fail loudly.
func NewPatchDiffer() *PatchDiffer {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = 0.1
	dmp.PatchDeleteThreshold = 0.1
	return &PatchDiffer{dmp: dmp}
}

// Diff produces character-level patches with semantic cleanup.
func (d *PatchDiffer) Diff(from, to string) (string, error) {
	if from == to {
		return "", nil
	}
	diffs := d.dmp.DiffMain(from, to, false)
	diffs = d.dmp.DiffCleanupSemantic(diffs)
	patches := d.dmp.PatchMake(from, diffs)
	return d.dmp.PatchToText(patches), nil
}

// Apply applies every hunk or none.
func (d *PatchDiffer) Apply(patch, text string) (string, error) {
	patches, err := d.dmp.PatchFromText(patch)
	if err != nil {
		return text, fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}
	if len(patches) == 0 {
		return text, fmt.Errorf("%w: no hunks", ErrMalformedPatch)
	}
	result, applied := d.dmp.PatchApply(patches, text)
	for index, ok := range applied {
		if !ok {
			return text, fmt.Errorf("%w: hunk %d of %d", ErrPatchMismatch, index+1, len(applied))
		}
	}
	return result, nil
}
