package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("dispatch")
	assert.Equal(t, "dispatch", logger.Component())
}

func TestDebugDomainFiltering(t *testing.T) {
	defer SetDebug(false, nil)

	SetDebug(true, nil)
	assert.True(t, debugEnabledFor("dispatch"))
	assert.True(t, debugEnabledFor("claude"))

	SetDebug(true, []string{"dispatch"})
	assert.True(t, debugEnabledFor("dispatch"))
	assert.False(t, debugEnabledFor("claude"))

	SetDebug(false, nil)
	assert.False(t, debugEnabledFor("dispatch"))
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("boom: %d", 42)
	assert.EqualError(t, err, "boom: 42")
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))

	inner := Errorf("inner")
	wrapped := Wrap(inner, "outer")
	assert.ErrorIs(t, wrapped, inner)
	assert.EqualError(t, wrapped, "outer: inner")
}
