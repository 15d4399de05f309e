package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllReturnsEveryCollector(t *testing.T) {
	collectors := All()
	assert.Len(t, collectors, 5)
}
