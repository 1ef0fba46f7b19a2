// Package metadata handles action configuration maps: stripping secret fields
// before metadata leaves the system, dropping empty entries on ingest, and
// encrypting the stored form.
package metadata

import (
	"strings"

	"github.com/strandhq/toolbind/pkg/types"
)

// secretKeys are removed from every outbound metadata copy. Comparison is
// exact: metadata keys are fixed identifiers, not user-chosen.
var secretKeys = []string{
	types.MetaAPIKey,
	types.MetaOAuthClientID,
	types.MetaOAuthClientSecret,
}

// Sanitize returns a copy of meta with all secret fields removed. The input
// map is never mutated; stored metadata keeps its secrets.
func Sanitize(meta types.Metadata) types.Metadata {
	out := meta.Clone()
	for _, k := range secretKeys {
		delete(out, k)
	}
	return out
}

// Clean returns a copy of meta with blank values dropped. Callers send
// metadata as loosely-typed JSON; absent and null entries both arrive as
// empty strings and neither should be persisted.
func Clean(meta types.Metadata) types.Metadata {
	out := make(types.Metadata, len(meta))
	for k, v := range meta {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
