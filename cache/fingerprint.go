package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rigrun/rigrun/types"
)

// AliasSharingPolicy resolves the open question from the spec's design
// notes: whether two equivalent queries that name different model
// aliases (e.g. "auto" vs. an explicit alias resolving to the same
// model) should share a cache entry. Default is false: "auto" and an
// explicit alias never share an entry, since the actual resolved model
// is not known at fingerprint time without contacting a backend, and
// guessing risks serving a response generated by a different model than
// the caller asked for.
type AliasSharingPolicy bool

const (
	AliasSharingDisabled AliasSharingPolicy = false
	AliasSharingEnabled  AliasSharingPolicy = true
)

// Fingerprint computes the deterministic cache key for a query. It is a
// pure function of the normalised message sequence and the effective
// model: identical normalised text plus identical effective model
// always yields the same fingerprint, and whitespace/case differences
// that do not change NormalizedText never change it.
func Fingerprint(q types.Query, policy AliasSharingPolicy) string {
	effectiveModel := q.RequestedModel
	if policy == AliasSharingEnabled && effectiveModel != "" {
		effectiveModel = "auto"
	}

	h := sha256.New()
	for _, m := range q.Messages {
		h.Write([]byte(string(m.Role)))
		h.Write([]byte{0})
		h.Write([]byte(normalize(m.Content)))
		h.Write([]byte{0})
	}
	h.Write([]byte("model:"))
	h.Write([]byte(effectiveModel))

	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
