package bank

import (
	"path/filepath"
	"testing"

	"github.com/dedis/lottery/core"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func newTestBank(t *testing.T) (*Bank, *bbolt.DB) {
	path := filepath.Join(t.TempDir(), "bank.db")
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	b, err := New(db, []byte("accounts"))
	require.NoError(t, err)
	return b, db
}

func TestBank_Mint(t *testing.T) {
	b, _ := newTestBank(t)
	bal, err := b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal)

	require.NoError(t, b.Mint("alice", 10))
	require.NoError(t, b.Mint("alice", 5))
	bal, err = b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(15), bal)

	require.Error(t, b.Mint("alice", ^uint64(0)))
	bal, err = b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(15), bal)
}

func TestTx_CollectPayout(t *testing.T) {
	b, db := newTestBank(t)
	require.NoError(t, b.Mint("alice", 10))
	require.NoError(t, b.Mint("bob", 3))

	err := db.Update(func(tx *bbolt.Tx) error {
		bt := b.Tx(tx)
		if err := bt.Collect("alice", 4); err != nil {
			return err
		}
		return bt.Collect("bob", 3)
	})
	require.NoError(t, err)
	bal, err := b.Balance(CustodyAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(7), bal)

	err = db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Payout("bob", 7)
	})
	require.NoError(t, err)
	bal, err = b.Balance("bob")
	require.NoError(t, err)
	require.Equal(t, uint64(7), bal)
	bal, err = b.Balance(CustodyAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal)
}

func TestTx_InsufficientFunds(t *testing.T) {
	b, db := newTestBank(t)
	require.NoError(t, b.Mint("alice", 1))
	err := db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Collect("alice", 2)
	})
	require.True(t, xerrors.Is(err, ErrInsufficientFunds))
	bal, err := b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1), bal)
}

func TestTx_PayoutClosedAccount(t *testing.T) {
	b, db := newTestBank(t)
	require.NoError(t, b.Mint("alice", 5))
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Collect("alice", 5)
	}))
	require.NoError(t, b.CloseAccount("alice"))

	err := db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Payout("alice", 5)
	})
	require.True(t, xerrors.Is(err, core.ErrTransferRejected))
	bal, err := b.Balance(CustodyAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal)
	acc, err := b.Account("alice")
	require.NoError(t, err)
	require.True(t, acc.Closed)
	require.Equal(t, uint64(0), acc.Balance)

	require.NoError(t, b.OpenAccount("alice"))
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Payout("alice", 5)
	}))
	bal, err = b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal)
}

func TestTx_RollbackOnError(t *testing.T) {
	b, db := newTestBank(t)
	require.NoError(t, b.Mint("alice", 5))
	err := db.Update(func(tx *bbolt.Tx) error {
		if err := b.Tx(tx).Collect("alice", 5); err != nil {
			return err
		}
		return xerrors.New("abort")
	})
	require.Error(t, err)
	bal, err := b.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal)
}

func TestTx_CheckCounter(t *testing.T) {
	b, db := newTestBank(t)
	check := func(c uint64) error {
		return db.Update(func(tx *bbolt.Tx) error {
			return b.Tx(tx).CheckCounter("alice", c)
		})
	}
	require.NoError(t, check(1))
	require.True(t, xerrors.Is(check(1), ErrInvalidCounter))
	require.True(t, xerrors.Is(check(3), ErrInvalidCounter))
	require.NoError(t, check(2))
	acc, err := b.Account("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(2), acc.Counter)
}

func TestTx_ImplementsTreasury(t *testing.T) {
	var _ core.Treasury = &Tx{}
}
