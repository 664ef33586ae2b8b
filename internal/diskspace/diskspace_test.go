package diskspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPassesForModestRequirement(t *testing.T) {
	assert.NoError(t, Check(".", 0))
}

func TestCheckFailsForImpossibleRequirement(t *testing.T) {
	// No real filesystem has an exabyte free; this should always trip the
	// safety-buffer comparison rather than the disk.Usage call itself.
	err := Check(".", 1<<62)
	assert.Error(t, err)
}
