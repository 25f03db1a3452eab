// Package fabric describes the live control-plane view of a fabric.
package fabric

import (
	"context"

	"github.com/crmarques/fabricsync/manifest"
)

// API is the fabric sync contract. Implementations never resolve drift
// themselves.
type API interface {
	// Apply declaratively upserts doc. Re-applying identical content is a
	// no-op that reports the live version.
	Apply(ctx context.Context, doc manifest.Document) (AppliedVersion, error)
	// List returns every live object of kind across namespaces.
	List(ctx context.Context, kind manifest.Kind) ([]LiveResource, error)
	// Hash is the comparison hash of a desired document, computed the same
	// way as LiveResource.Hash.
	Hash(doc manifest.Document) (string, error)
}

// LiveResource is a live object reduced to its canonical form. Hash is
// computed after the fabric's ignore filter; Object is the unfiltered
// canonical document used when importing.
type LiveResource struct {
	Identity        manifest.Identity
	Hash            string
	Object          map[string]any
	ResourceVersion string
}

// Document returns the live object as a canonical manifest document.
func (l LiveResource) Document() (manifest.Document, error) {
	return manifest.Canonicalize(l.Object)
}

type AppliedVersion struct {
	ResourceVersion string
	Hash            string
	Changed         bool
}

// DetectDrift reports whether the observed live hash diverges from the
// last hash recorded as synced. An empty observed hash means the object is
// gone from the fabric. Nothing was synced yet when lastSynced is empty.
func DetectDrift(lastSynced string, observed string) bool {
	return lastSynced != "" && observed != lastSynced
}
