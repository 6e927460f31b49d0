package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	c := New()
	assert.Equal(t, int64(0), c.Now())

	c.Tick()
	c.Tick()
	assert.Equal(t, int64(2), c.Now())

	c.Reset()
	assert.Equal(t, int64(0), c.Now())
}
