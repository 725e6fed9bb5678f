package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Normalizes(t *testing.T) {
	base := Fingerprint("Which rule governs acceptance by post?")

	same := []string{
		"which rule governs acceptance by post?",
		"  Which   rule governs\tacceptance\nby post?  ",
		"WHICH RULE GOVERNS ACCEPTANCE BY POST?",
	}
	for _, s := range same {
		assert.Equal(t, base, Fingerprint(s), "%q", s)
	}

	assert.NotEqual(t, base, Fingerprint("Which rule governs acceptance by email?"))
	assert.Len(t, base, 64)
}

func TestDedupGuard(t *testing.T) {
	g := NewDedupGuard()
	assert.False(t, g.Seen("A stem"))

	assert.True(t, g.Accept("A stem"))
	assert.True(t, g.Seen("a  STEM"))
	assert.False(t, g.Accept(" a stem "))
	assert.True(t, g.Accept("Another stem"))
	assert.Equal(t, 2, g.Len())
}
