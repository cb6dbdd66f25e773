package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)
}
