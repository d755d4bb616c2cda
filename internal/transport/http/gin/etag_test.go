package httpgin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEtagMatches(t *testing.T) {
	tag := `W/"abc"`

	assert.False(t, etagMatches("", tag))
	assert.True(t, etagMatches(`W/"abc"`, tag))
	assert.True(t, etagMatches(`"abc"`, tag), "weak comparison ignores the W/ prefix")
	assert.True(t, etagMatches(`"x", W/"abc"`, tag))
	assert.True(t, etagMatches("*", tag))
	assert.False(t, etagMatches(`W/"abd"`, tag))
}
