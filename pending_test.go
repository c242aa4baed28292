package usbip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	table := newPendingTable()
	require.NoError(t, table.insert(1, 0x81))
	require.NoError(t, table.insert(2, 0x02))
	assert.Equal(t, 2, table.count())

	err := table.insert(1, 0x03)
	assert.ErrorIs(t, err, ErrDuplicateSeqnum)

	ep, ok := table.remove(1)
	require.True(t, ok)
	assert.Equal(t, uint8(0x81), ep)

	_, ok = table.remove(1)
	assert.False(t, ok)
	assert.Equal(t, 1, table.count())

	// A finished seqnum may be reused by the client.
	require.NoError(t, table.insert(1, 0x81))
}
