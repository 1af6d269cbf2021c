package wallet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// Wallet is a signing identity, or a read-only one, for program accounts.
// When delegated, sub-accounts are derived from the owner while the local key
// signs as delegate. Delegation is fixed once the wallet has been used.
type Wallet struct {
	mu        sync.RWMutex
	signer    *solana.PrivateKey
	identity  solana.PublicKey
	owner     *solana.PublicKey
	programID solana.PublicKey
	frozen    atomic.Bool
}

func New(key solana.PrivateKey) *Wallet {
	return &Wallet{signer: &key, identity: key.PublicKey(), programID: types.ProgramID}
}

func ReadOnly(authority solana.PublicKey) *Wallet {
	return &Wallet{identity: authority, programID: types.ProgramID}
}

func FromBase58(secret string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("parse base58 key: %w", err)
	}
	return New(key), nil
}

func FromKeygenFile(path string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return New(key), nil
}

// WithProgramID derives sub-accounts against a different program deployment.
func (w *Wallet) WithProgramID(programID solana.PublicKey) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.programID = programID
	return w
}

// ToDelegated switches derivation to owner's sub-accounts. It fails with
// ErrWalletInUse after the wallet backed a subscription or a transaction.
func (w *Wallet) ToDelegated(owner solana.PublicKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frozen.Load() {
		return types.ErrWalletInUse
	}
	w.owner = &owner
	return nil
}

// Freeze pins the delegation state. Clients call it on first use.
func (w *Wallet) Freeze() {
	w.mu.Lock()
	w.frozen.Store(true)
	w.mu.Unlock()
}

func (w *Wallet) IsFrozen() bool { return w.frozen.Load() }

// Authority is the account owner sub-accounts are derived from.
func (w *Wallet) Authority() solana.PublicKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.owner != nil {
		return *w.owner
	}
	return w.identity
}

// Signer is the key that signs transactions: the delegate when delegated.
func (w *Wallet) Signer() solana.PublicKey {
	return w.identity
}

func (w *Wallet) IsDelegated() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.owner != nil
}

func (w *Wallet) IsReadOnly() bool {
	return w.signer == nil
}

func (w *Wallet) ProgramID() solana.PublicKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.programID
}

func (w *Wallet) SubAccount(id uint16) solana.PublicKey {
	w.mu.RLock()
	programID := w.programID
	w.mu.RUnlock()
	return program.MustDeriveUserPDA(programID, w.Authority(), id)
}

func (w *Wallet) DefaultSubAccount() solana.PublicKey {
	return w.SubAccount(0)
}

func (w *Wallet) Stats() solana.PublicKey {
	w.mu.RLock()
	programID := w.programID
	w.mu.RUnlock()
	return program.MustDeriveUserStatsPDA(programID, w.Authority())
}

func (w *Wallet) Sign(message []byte) (solana.Signature, error) {
	if w.signer == nil {
		return solana.Signature{}, types.ErrUnsigned
	}
	return w.signer.Sign(message)
}

// SignTransaction adds the wallet's signature to tx. A read-only wallet
// returns ErrUnsigned without touching tx.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	if w.signer == nil {
		return types.ErrUnsigned
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if w.identity.Equals(key) {
			return w.signer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

func (w *Wallet) String() string {
	mode := "signing"
	if w.IsReadOnly() {
		mode = "read-only"
	}
	if w.IsDelegated() {
		return fmt.Sprintf("wallet(%s delegate=%s owner=%s)", mode, w.identity, w.Authority())
	}
	return fmt.Sprintf("wallet(%s %s)", mode, w.identity)
}
