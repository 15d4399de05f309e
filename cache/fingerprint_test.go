package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rigrun/rigrun/types"
)

func TestFingerprintStableAcrossWhitespaceAndCase(t *testing.T) {
	q1 := types.Query{
		Messages:       []types.Message{{Role: types.RoleUser, Content: "What is   Go?"}},
		RequestedModel: "auto",
	}
	q2 := types.Query{
		Messages:       []types.Message{{Role: types.RoleUser, Content: "what is go?"}},
		RequestedModel: "auto",
	}
	assert.Equal(t, Fingerprint(q1, AliasSharingDisabled), Fingerprint(q2, AliasSharingDisabled))
}

func TestFingerprintDiffersByModelWhenAliasSharingDisabled(t *testing.T) {
	base := types.Query{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}
	auto := base
	auto.RequestedModel = "auto"
	explicit := base
	explicit.RequestedModel = "llama3"

	assert.NotEqual(t, Fingerprint(auto, AliasSharingDisabled), Fingerprint(explicit, AliasSharingDisabled))
}

func TestFingerprintDiffersByContent(t *testing.T) {
	a := types.Query{Messages: []types.Message{{Role: types.RoleUser, Content: "hello"}}}
	b := types.Query{Messages: []types.Message{{Role: types.RoleUser, Content: "goodbye"}}}
	assert.NotEqual(t, Fingerprint(a, AliasSharingDisabled), Fingerprint(b, AliasSharingDisabled))
}
