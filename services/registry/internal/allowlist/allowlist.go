package allowlist

import (
	"errors"
	"strings"
)

var ErrUnknownMetadata = errors.New("unknown metadata reference")

// Entry describes one mintable achievement class.
type Entry struct {
	Kind        string
	RequiresKYC bool
}

// Allowlist is the fixed mapping from metadata reference to achievement kind,
// frozen at construction. Updating it is a redeploy, not a runtime operation.
type Allowlist struct {
	entries map[string]Entry
}

func New(entries map[string]Entry) *Allowlist {
	frozen := make(map[string]Entry, len(entries))
	for ref, entry := range entries {
		frozen[strings.TrimSpace(ref)] = entry
	}
	return &Allowlist{entries: frozen}
}

// Default returns the achievement classes shipped with the platform.
func Default() *Allowlist {
	return New(map[string]Entry{
		"ipfs://catch/achievements/first-catch":    {Kind: "trophy", RequiresKYC: false},
		"ipfs://catch/achievements/tournament-win": {Kind: "trophy", RequiresKYC: true},
		"ipfs://catch/achievements/season-pass":    {Kind: "pass", RequiresKYC: true},
		"ipfs://catch/achievements/early-adopter":  {Kind: "badge", RequiresKYC: false},
	})
}

// Lookup resolves a metadata reference to its achievement entry.
func (a *Allowlist) Lookup(metadataRef string) (Entry, error) {
	entry, ok := a.entries[strings.TrimSpace(metadataRef)]
	if !ok {
		return Entry{}, ErrUnknownMetadata
	}
	return entry, nil
}

// References returns the allowed metadata references, for diagnostics.
func (a *Allowlist) References() []string {
	refs := make([]string, 0, len(a.entries))
	for ref := range a.entries {
		refs = append(refs, ref)
	}
	return refs
}
