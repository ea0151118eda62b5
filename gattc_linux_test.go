package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIntoShortBuffer(t *testing.T) {
	value := []byte("a long characteristic value")

	// A buffer shorter than the value truncates; the count reflects what
	// was copied, not what the peer sent.
	buf := make([]byte, 8)
	n, err := readInto(buf, value)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("a long c"), buf)

	big := make([]byte, 64)
	n, err = readInto(big, value)
	require.NoError(t, err)
	assert.Equal(t, len(value), n)
	assert.Equal(t, value, big[:n])
}
