package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageCopiesMetadata(t *testing.T) {
	metadata := map[string]interface{}{"priority": 0.9, "trace": "abc"}
	m := NewMessage("A", "B", "in", 1, metadata)

	metadata["priority"] = 0.1
	delete(metadata, "trace")
	metadata["extra"] = true

	p, ok := m.MetadataFloat("priority")
	require.True(t, ok)
	assert.Equal(t, 0.9, p)
	s, ok := m.MetadataString("trace")
	require.True(t, ok)
	assert.Equal(t, "abc", s)
	assert.NotContains(t, m.Metadata, "extra")
}

func TestNewMessageNilMetadata(t *testing.T) {
	m := NewMessage("A", "B", "in", 1, nil)
	assert.Nil(t, m.Metadata)
	assert.NotEmpty(t, m.ID)
	_, ok := m.MetadataFloat("priority")
	assert.False(t, ok)
}
