package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyReadReceipt_MonotonicUnion(t *testing.T) {
	msgs := []Message{
		{Id: "a", ReadBy: []string{"u1"}},
		{Id: "b", ReadBy: []string{"u1", "u2"}},
		{Id: "c", ReadBy: []string{}},
	}

	changed := ApplyReadReceipt(msgs, "u2")
	assert.True(t, changed)
	assert.Equal(t, []string{"u1", "u2"}, msgs[0].ReadBy)
	assert.Equal(t, []string{"u1", "u2"}, msgs[1].ReadBy)
	assert.Equal(t, []string{"u2"}, msgs[2].ReadBy)

	// Second application is a no-op: no duplicates, no shrinkage.
	changed = ApplyReadReceipt(msgs, "u2")
	assert.False(t, changed)
	assert.Equal(t, []string{"u1", "u2"}, msgs[0].ReadBy)
	assert.Equal(t, []string{"u2"}, msgs[2].ReadBy)
}

func TestApplyReadReceipt_EmptyUser(t *testing.T) {
	msgs := []Message{{Id: "a", ReadBy: []string{"u1"}}}
	assert.False(t, ApplyReadReceipt(msgs, ""))
	assert.Equal(t, []string{"u1"}, msgs[0].ReadBy)
}
