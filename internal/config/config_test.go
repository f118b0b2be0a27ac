package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers_DropsSelfFromFullMembership(t *testing.T) {
	peers, err := ParsePeers("1@host1:5001,2@host2:5001,3@host3:5001,4@host4:5001", 2)
	require.NoError(t, err)
	assert.Equal(t, map[int32]string{
		1: "host1:5001",
		3: "host3:5001",
		4: "host4:5001",
	}, peers)
	_, hasSelf := peers[2]
	assert.False(t, hasSelf, "self entry must be dropped")
}

func TestParsePeers_EmptySpec(t *testing.T) {
	peers, err := ParsePeers("", 1)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestParsePeers_IgnoresSurroundingWhitespace(t *testing.T) {
	peers, err := ParsePeers(" 1@host1:5001 , 2@host2:5001 ", 1)
	require.NoError(t, err)
	assert.Equal(t, map[int32]string{2: "host2:5001"}, peers)
}

func TestParsePeers_RejectsMissingDelimiter(t *testing.T) {
	_, err := ParsePeers("1=host1:5001", 2)
	assert.Error(t, err)
}

func TestParsePeers_RejectsNonIntegerID(t *testing.T) {
	_, err := ParsePeers("abc@host1:5001", 1)
	assert.Error(t, err)
}
