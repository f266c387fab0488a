//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sender interface{ Send() }

type fakeSender struct{}

func (*fakeSender) Send() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var typedNil *fakeSender

	var asInterface sender = typedNil

	assert.True(t, Interface(nil))
	assert.True(t, Interface(asInterface))
	assert.True(t, Interface(map[string]int(nil)))
	assert.False(t, Interface(&fakeSender{}))
	assert.False(t, Interface(42))
}
