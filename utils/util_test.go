package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestAddressFromPoint(t *testing.T) {
	kp1 := key.NewKeyPair(cothority.Suite)
	kp2 := key.NewKeyPair(cothority.Suite)
	a1, err := AddressFromPoint(kp1.Public)
	require.NoError(t, err)
	require.Len(t, string(a1), 2*AddressLen)
	again, err := AddressFromPoint(kp1.Public)
	require.NoError(t, err)
	require.Equal(t, a1, again)
	a2, err := AddressFromPoint(kp2.Public)
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)
}

func TestTicket(t *testing.T) {
	kp := key.NewKeyPair(cothority.Suite)
	sig, err := SignTicket(kp.Private, 100, 1)
	require.NoError(t, err)
	require.NoError(t, VerifyTicket(kp.Public, 100, 1, sig))
	require.Error(t, VerifyTicket(kp.Public, 101, 1, sig))
	require.Error(t, VerifyTicket(kp.Public, 100, 2, sig))

	other := key.NewKeyPair(cothority.Suite)
	require.Error(t, VerifyTicket(other.Public, 100, 1, sig))
}

func TestKeyStrings(t *testing.T) {
	kp := key.NewKeyPair(cothority.Suite)
	pubStr, err := encoding.PointToStringHex(cothority.Suite, kp.Public)
	require.NoError(t, err)
	skStr, err := encoding.ScalarToStringHex(cothority.Suite, kp.Private)
	require.NoError(t, err)

	pub, err := PointFromString(pubStr)
	require.NoError(t, err)
	require.True(t, pub.Equal(kp.Public))
	sk, err := ScalarFromString(skStr)
	require.NoError(t, err)
	require.True(t, sk.Equal(kp.Private))

	_, err = PointFromString("zz")
	require.Error(t, err)
}

func TestReadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	_, err := ReadRoster(&path)
	require.Error(t, err)
}
