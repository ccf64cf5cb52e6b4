package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("1000000000000000000")
	require.NoError(t, err)
	require.Equal(t, uint64(1000000000000000000), v)
	_, err = parseAmount("-1")
	require.Error(t, err)
	_, err = parseAmount("ten")
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range commands {
		require.False(t, names[c.Name], c.Name)
		names[c.Name] = true
		require.NotNil(t, c.Action, c.Name)
	}
	for _, n := range []string{"dkg", "init", "enter", "fee", "participant",
		"winner", "state", "upkeep", "retry", "mint", "balance"} {
		require.True(t, names[n], n)
	}
}

func TestArgumentErrors(t *testing.T) {
	set := flag.NewFlagSet("test", 0)
	require.NoError(t, set.Parse([]string{"only-address"}))
	c := cli.NewContext(cli.NewApp(), set, nil)
	require.Error(t, mint(c))
	require.Error(t, initLottery(cli.NewContext(cli.NewApp(), flag.NewFlagSet("empty", 0), nil)))
}
