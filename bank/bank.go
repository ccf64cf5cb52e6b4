package bank

import (
	"github.com/dedis/lottery/core"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	ErrInsufficientFunds = xerrors.New("insufficient funds")
	ErrInvalidCounter    = xerrors.New("invalid signer counter")
)

// Bank keeps account balances in a bbolt bucket.
type Bank struct {
	db     *bbolt.DB
	bucket []byte
}

// New returns a bank using the given bucket of db, creating it if needed.
func New(db *bbolt.DB, bucket []byte) (*Bank, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't create bucket %s: %v", bucket, err)
	}
	return &Bank{db: db, bucket: bucket}, nil
}

// Tx binds the bank to an open transaction. Writes require a writable tx.
func (b *Bank) Tx(tx *bbolt.Tx) *Tx {
	return &Tx{bucket: tx.Bucket(b.bucket)}
}

// Mint credits amount to addr out of thin air.
func (b *Bank) Mint(addr core.Address, amount uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.Tx(tx).Mint(addr, amount)
	})
}

func (b *Bank) Account(addr core.Address) (*Account, error) {
	var acc *Account
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		acc, err = b.Tx(tx).Account(addr)
		return err
	})
	return acc, err
}

func (b *Bank) Balance(addr core.Address) (uint64, error) {
	acc, err := b.Account(addr)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// CloseAccount stops addr from receiving any further funds.
func (b *Bank) CloseAccount(addr core.Address) error {
	return b.setClosed(addr, true)
}

func (b *Bank) OpenAccount(addr core.Address) error {
	return b.setClosed(addr, false)
}

func (b *Bank) setClosed(addr core.Address, closed bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		t := b.Tx(tx)
		acc, err := t.Account(addr)
		if err != nil {
			return err
		}
		acc.Closed = closed
		return t.put(addr, acc)
	})
}

// Tx is a view of the bank inside one bbolt transaction. It implements
// core.Treasury with CustodyAddress as the pool account.
type Tx struct {
	bucket *bbolt.Bucket
}

// Account returns the account of addr; unknown addresses have a zero
// account.
func (t *Tx) Account(addr core.Address) (*Account, error) {
	if t.bucket == nil {
		return nil, xerrors.New("missing bank bucket")
	}
	acc := &Account{}
	buf := t.bucket.Get([]byte(addr))
	if buf == nil {
		return acc, nil
	}
	if err := protobuf.Decode(buf, acc); err != nil {
		return nil, xerrors.Errorf("couldn't decode account %s: %v", addr, err)
	}
	return acc, nil
}

func (t *Tx) Mint(addr core.Address, amount uint64) error {
	acc, err := t.Account(addr)
	if err != nil {
		return err
	}
	if acc.Balance+amount < acc.Balance {
		return xerrors.Errorf("minting %d overflows balance of %s", amount, addr)
	}
	acc.Balance += amount
	log.Lvl3("minted", amount, "for", addr)
	return t.put(addr, acc)
}

// Transfer moves amount from one account to another. Nothing is written
// unless both sides accept the transfer.
func (t *Tx) Transfer(from, to core.Address, amount uint64) error {
	src, err := t.Account(from)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return xerrors.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds,
			from, src.Balance, amount)
	}
	if from == to {
		return nil
	}
	dst, err := t.Account(to)
	if err != nil {
		return err
	}
	if dst.Closed {
		return xerrors.Errorf("%w: account %s is closed",
			core.ErrTransferRejected, to)
	}
	if dst.Balance+amount < dst.Balance {
		return xerrors.Errorf("%w: balance of %s would overflow",
			core.ErrTransferRejected, to)
	}
	src.Balance -= amount
	dst.Balance += amount
	if err := t.put(from, src); err != nil {
		return err
	}
	return t.put(to, dst)
}

// CheckCounter accepts counter only if it follows the last counter used by
// addr, and records it.
func (t *Tx) CheckCounter(addr core.Address, counter uint64) error {
	acc, err := t.Account(addr)
	if err != nil {
		return err
	}
	if counter != acc.Counter+1 {
		return xerrors.Errorf("%w: expected %d, got %d", ErrInvalidCounter,
			acc.Counter+1, counter)
	}
	acc.Counter = counter
	return t.put(addr, acc)
}

func (t *Tx) Collect(from core.Address, amount uint64) error {
	return t.Transfer(from, CustodyAddress, amount)
}

func (t *Tx) Payout(to core.Address, amount uint64) error {
	return t.Transfer(CustodyAddress, to, amount)
}

func (t *Tx) put(addr core.Address, acc *Account) error {
	buf, err := protobuf.Encode(acc)
	if err != nil {
		return xerrors.Errorf("couldn't encode account %s: %v", addr, err)
	}
	return t.bucket.Put([]byte(addr), buf)
}
