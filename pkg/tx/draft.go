package tx

import (
	"github.com/gagliardetto/solana-go"
)

type EntryKind uint8

const (
	EntryCancelAll EntryKind = iota
	EntryPlaceOrders
	EntryPlaceAndTake
)

func (k EntryKind) String() string {
	switch k {
	case EntryCancelAll:
		return "cancel_all"
	case EntryPlaceOrders:
		return "place_orders"
	case EntryPlaceAndTake:
		return "place_and_take"
	default:
		return "unknown"
	}
}

type Entry struct {
	Kind        EntryKind
	Instruction solana.Instruction
}

// Draft is a finalized, ordered set of instructions for one sub-account.
// Submitted as a single transaction, so the ledger applies all or none.
type Draft struct {
	SubAccount solana.PublicKey
	Authority  solana.PublicKey
	Signer     solana.PublicKey
	Simulate   bool
	entries    []Entry
}

func (d *Draft) Len() int { return len(d.entries) }

func (d *Draft) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

func (d *Draft) Kinds() []EntryKind {
	out := make([]EntryKind, len(d.entries))
	for i, entry := range d.entries {
		out[i] = entry.Kind
	}
	return out
}

// Instructions are returned in append order.
func (d *Draft) Instructions() []solana.Instruction {
	out := make([]solana.Instruction, len(d.entries))
	for i, entry := range d.entries {
		out[i] = entry.Instruction
	}
	return out
}
