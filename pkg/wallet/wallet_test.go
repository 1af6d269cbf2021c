package wallet

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

func TestSubAccountDerivation(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	w := New(key)

	assert.Equal(t, w.SubAccount(1), w.SubAccount(1))
	assert.NotEqual(t, w.SubAccount(0), w.SubAccount(1))
	assert.Equal(t, w.SubAccount(0), w.DefaultSubAccount())
	assert.Equal(t, program.MustDeriveUserPDA(types.ProgramID, key.PublicKey(), 2), w.SubAccount(2))
	assert.Equal(t, program.MustDeriveUserStatsPDA(types.ProgramID, key.PublicKey()), w.Stats())

	readOnly := ReadOnly(key.PublicKey())
	assert.Equal(t, w.SubAccount(1), readOnly.SubAccount(1))
}

func TestReadOnlyCannotSign(t *testing.T) {
	w := ReadOnly(solana.NewWallet().PublicKey())
	assert.True(t, w.IsReadOnly())

	_, err := w.Sign([]byte("msg"))
	require.ErrorIs(t, err, types.ErrUnsigned)

	tx := &solana.Transaction{}
	require.ErrorIs(t, w.SignTransaction(tx), types.ErrUnsigned)
	assert.Empty(t, tx.Signatures)
}

func TestDelegationUsesOwnerForDerivation(t *testing.T) {
	delegate := solana.NewWallet().PrivateKey
	owner := solana.NewWallet().PublicKey()

	w := New(delegate)
	require.NoError(t, w.ToDelegated(owner))

	assert.True(t, w.IsDelegated())
	assert.Equal(t, owner, w.Authority())
	assert.Equal(t, delegate.PublicKey(), w.Signer())
	assert.Equal(t, ReadOnly(owner).SubAccount(1), w.SubAccount(1))
	assert.Equal(t, ReadOnly(owner).Stats(), w.Stats())
}

func TestDelegationRejectedAfterFirstUse(t *testing.T) {
	w := New(solana.NewWallet().PrivateKey)
	before := w.SubAccount(0)
	w.Freeze()

	require.ErrorIs(t, w.ToDelegated(solana.NewWallet().PublicKey()), types.ErrWalletInUse)
	assert.False(t, w.IsDelegated())
	assert.Equal(t, before, w.SubAccount(0))
}

func TestSignVerifies(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	w := New(key)

	sig, err := w.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, sig.Verify(key.PublicKey(), []byte("hello")))
}

func TestFromBase58(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	w, err := FromBase58(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), w.Signer())

	_, err = FromBase58("not-a-key")
	require.Error(t, err)
}
