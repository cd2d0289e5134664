package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeInterval(t *testing.T) {
	for in, want := range map[string]string{"hour": "Hour", "Day": "Day", "MONTH": "Month"} {
		got, ok := NormalizeInterval(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := NormalizeInterval("fortnight")
	assert.False(t, ok)
	_, ok = NormalizeInterval("")
	assert.False(t, ok)
}
