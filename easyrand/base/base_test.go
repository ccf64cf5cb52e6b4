package base

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextMessage(t *testing.T) {
	require.Equal(t, []byte(GenesisMsg), NextMessage(0, []byte("ignored")))
	msg := NextMessage(3, []byte{1, 2})
	require.Len(t, msg, 10)
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(msg[:8]))
	require.Equal(t, []byte{1, 2}, msg[8:])
}

func TestRandomnessOutput_Uint64(t *testing.T) {
	a := &RandomnessOutput{Value: []byte("a")}
	b := &RandomnessOutput{Value: []byte("b")}
	require.Equal(t, a.Uint64(), a.Uint64())
	require.NotEqual(t, a.Uint64(), b.Uint64())
	require.NotEqual(t, a.Hash(), b.Hash())
}
