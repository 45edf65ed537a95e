package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochain/gochain/pkg/utxo"
)

// TestWalletTransfer covers the end-to-end flow of sending value from one
// wallet's account to another address: UTXO selection, change-output
// construction, and signature validation against the live UTXO set.
func TestWalletTransfer(t *testing.T) {
	t.Run("BasicTransfer", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeECDSA)
		fundedAccount(t, set, alice, 10_000)

		bob, err := w.CreateAccount()
		require.NoError(t, err)

		const transferAmount, fee = uint64(3_000), uint64(546)
		tx, err := w.CreateTransaction(alice.Address, bob.Address, transferAmount, fee)
		require.NoError(t, err)

		require.Len(t, tx.Inputs, 1, "a single 10,000-value UTXO covers the transfer")
		require.Len(t, tx.Outputs, 2, "want a payment output and a change output")
		assert.Equal(t, transferAmount, tx.Outputs[0].Value)
		assert.Equal(t, uint64(10_000-3_000-546), tx.Outputs[1].Value)
		assert.Equal(t, fee, tx.Fee)
		assert.NotEmpty(t, tx.ID)

		require.NoError(t, set.ValidateTransaction(tx, utxo.Secp256k1))
	})

	t.Run("TransferWithMultipleUTXOs", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeECDSA)
		fundedAccount(t, set, alice, 2_000)

		pubKeyHash, err := addressToPubKeyHash(alice.Address)
		require.NoError(t, err)
		set.Put(&utxo.UTXO{TxID: "funding-1", OutputIndex: 0, Value: 1_500, LockingScript: pubKeyHash})
		set.Put(&utxo.UTXO{TxID: "funding-2", OutputIndex: 0, Value: 1_000, LockingScript: pubKeyHash})

		bob, err := w.CreateAccount()
		require.NoError(t, err)

		tx, err := w.CreateTransaction(alice.Address, bob.Address, 4_000, 100)
		require.NoError(t, err)

		require.GreaterOrEqual(t, len(tx.Inputs), 2, "4,000+fee exceeds any single funded UTXO")
		require.NoError(t, set.ValidateTransaction(tx, utxo.Secp256k1))
	})

	t.Run("TransferAcrossKeyTypes", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeEd25519)
		fundedAccount(t, set, alice, 5_000)

		_, _, bob := newTestWallet(t, KeyTypeECDSA)

		tx, err := w.CreateTransaction(alice.Address, bob.Address, 1_200, 50)
		require.NoError(t, err)
		require.NoError(t, set.ValidateTransaction(tx, utxo.Ed25519))

		bobHash, err := addressToPubKeyHash(bob.Address)
		require.NoError(t, err)
		assert.Equal(t, bobHash, tx.Outputs[0].LockingScript)
		assert.Equal(t, uint64(1_200), tx.Outputs[0].Value)
	})
}

// TestWalletTransferEdgeCases covers boundary conditions CreateTransaction
// must handle beyond the happy path already exercised in wallet_test.go.
func TestWalletTransferEdgeCases(t *testing.T) {
	t.Run("ExactAmountNoChange", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeECDSA)
		fundedAccount(t, set, alice, 1_050)

		bob, err := w.CreateAccount()
		require.NoError(t, err)

		tx, err := w.CreateTransaction(alice.Address, bob.Address, 1_000, 50)
		require.NoError(t, err)
		assert.Len(t, tx.Outputs, 1, "exact amount+fee leaves no change output")
		require.NoError(t, set.ValidateTransaction(tx, utxo.Secp256k1))
	})

	t.Run("UnknownSenderAddress", func(t *testing.T) {
		w, _, _ := newTestWallet(t, KeyTypeECDSA)
		bob, err := w.CreateAccount()
		require.NoError(t, err)

		_, err = w.CreateTransaction("not-a-real-address", bob.Address, 100, 10)
		assert.Error(t, err)
	})

	t.Run("InvalidRecipientAddress", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeECDSA)
		fundedAccount(t, set, alice, 1_000)

		_, err := w.CreateTransaction(alice.Address, "not-a-real-address", 100, 10)
		assert.Error(t, err)
	})

	t.Run("ZeroValueTransferStillRequiresFee", func(t *testing.T) {
		w, set, alice := newTestWallet(t, KeyTypeECDSA)
		fundedAccount(t, set, alice, 10)

		bob, err := w.CreateAccount()
		require.NoError(t, err)

		_, err = w.CreateTransaction(alice.Address, bob.Address, 0, 50)
		assert.Error(t, err, "10 available cannot cover even a zero-value transfer's fee")
	})
}
