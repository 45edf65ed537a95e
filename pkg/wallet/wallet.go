// Package wallet provides key management, Base58Check addressing, and UTXO
// transaction construction/signing.
//
// SECURITY FEATURES:
// - Low-S enforcement on secp256k1 signatures to prevent signature malleability;
//   signatures are carried as raw 64-byte r||s (DER helpers exist for interchange only)
// - Secure key derivation using PBKDF2-style HMAC-SHA256 stretching with a per-wallet salt
// - AES-GCM authenticated encryption for wallet storage
// - Base58Check address encoding with checksums to prevent typos
//
// ADDRESS FORMAT:
// - Base58Check encoding with double SHA256 checksum
// - Version byte (0x00 for mainnet)
// - 20-byte public key hash (SHA256(pubkey) truncated to its last 20 bytes),
//   matching pkg/utxo's locking-script convention
// - 4-byte checksum for error detection
//
// ENCRYPTION:
// - PBKDF2-style key derivation, 100,000 HMAC-SHA256 iterations
// - 32-byte random salt per wallet
// - AES-GCM authenticated encryption
// - Format: [salt(32)][nonce(12)][ciphertext]
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/storage"
	"github.com/gochain/gochain/pkg/utxo"
)

// Wallet holds one or more accounts and can build/sign UTXO transactions
// against a live UTXO set.
type Wallet struct {
	mu             sync.RWMutex
	accounts       map[string]*Account
	keyType        KeyType
	utxos          *utxo.Set
	store          storage.Store
	walletFileKey  string
	passphrase     string
}

// Account is one address and its key material.
type Account struct {
	Address    string
	KeyType    KeyType
	PublicKey  []byte
	PrivateKey []byte
	Balance    uint64
	Nonce      uint64
}

// KeyType selects the signature scheme new accounts are generated under.
type KeyType int

const (
	KeyTypeECDSA KeyType = iota
	KeyTypeEd25519
)

// Config holds wallet construction parameters.
type Config struct {
	KeyType    KeyType
	Passphrase string
	WalletKey  string // storage key within the CryptoKeys sublevel
}

// DefaultConfig returns sensible defaults for a new wallet.
func DefaultConfig() *Config {
	return &Config{KeyType: KeyTypeECDSA, WalletKey: "default"}
}

// New constructs a wallet with one freshly generated default account. utxos
// and store may be nil for key-management-only use (e.g. genesis tooling).
func New(cfg *Config, utxos *utxo.Set, store storage.Store) (*Wallet, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	w := &Wallet{
		accounts:      make(map[string]*Account),
		keyType:       cfg.KeyType,
		utxos:         utxos,
		store:         store,
		walletFileKey: cfg.WalletKey,
		passphrase:    cfg.Passphrase,
	}
	if _, err := w.CreateAccount(); err != nil {
		return nil, fmt.Errorf("create default account: %w", err)
	}
	return w, nil
}

// Save encrypts and persists every account to the CryptoKeys sublevel.
func (w *Wallet) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(w.accounts)
	if err != nil {
		return fmt.Errorf("marshal wallet accounts: %w", err)
	}
	encrypted, err := w.encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt wallet data: %w", err)
	}
	return w.store.Put(storage.CryptoKeys, storage.KeyPrefix(storage.CryptoKeys)+w.walletFileKey, encrypted)
}

// Load decrypts and replaces the in-memory account set from storage.
func (w *Wallet) Load() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	encrypted, err := w.store.Get(storage.CryptoKeys, storage.KeyPrefix(storage.CryptoKeys)+w.walletFileKey)
	if err != nil {
		return err
	}
	decrypted, err := w.decrypt(encrypted)
	if err != nil {
		return fmt.Errorf("decrypt wallet data: %w", err)
	}
	var accounts map[string]*Account
	if err := json.Unmarshal(decrypted, &accounts); err != nil {
		return fmt.Errorf("unmarshal wallet accounts: %w", err)
	}
	w.accounts = accounts
	return nil
}

func (w *Wallet) encrypt(data []byte) ([]byte, error) {
	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(w.passphrase, salt)

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (w *Wallet) decrypt(data []byte) ([]byte, error) {
	if len(data) < 32+12 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt := data[:32]
	nonce := data[32:44]
	ciphertext := data[44:]

	key := deriveKey(w.passphrase, salt)
	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// CreateAccount generates a new key pair under w's configured KeyType and
// adds the derived account to the wallet.
func (w *Wallet) CreateAccount() (*Account, error) {
	switch w.keyType {
	case KeyTypeEd25519:
		return w.createEd25519Account()
	default:
		return w.createECDSAAccount()
	}
}

func (w *Wallet) createECDSAAccount() (*Account, error) {
	privateKey, err := newECDSAKey()
	if err != nil {
		return nil, err
	}
	pubBytes := compressedPubKeyBytes(&privateKey.PublicKey)
	address := addressFromPubKey(pubBytes)

	account := &Account{
		Address:    address,
		KeyType:    KeyTypeECDSA,
		PublicKey:  pubBytes,
		PrivateKey: privateKeyToBytes(privateKey),
	}

	w.mu.Lock()
	w.accounts[address] = account
	w.mu.Unlock()
	return account, nil
}

func (w *Wallet) createEd25519Account() (*Account, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	address := addressFromPubKey(pub)

	account := &Account{
		Address:    address,
		KeyType:    KeyTypeEd25519,
		PublicKey:  append([]byte{}, pub...),
		PrivateKey: append([]byte{}, priv...),
	}

	w.mu.Lock()
	w.accounts[address] = account
	w.mu.Unlock()
	return account, nil
}

func newECDSAKey() (*ecdsa.PrivateKey, error) {
	btcPrivKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return btcPrivKey.ToECDSA(), nil
}

// GetAccount returns the account at address, or nil.
func (w *Wallet) GetAccount(address string) *Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.accounts[address]
}

// DefaultAccount returns an arbitrary account from the wallet (whichever
// map iteration yields first, not necessarily the first one created), or nil
// if the wallet is empty.
func (w *Wallet) DefaultAccount() *Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, a := range w.accounts {
		return a
	}
	return nil
}

// Accounts returns every account the wallet holds.
func (w *Wallet) Accounts() []*Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Account, 0, len(w.accounts))
	for _, a := range w.accounts {
		out = append(out, a)
	}
	return out
}

// Balance sums the value of every unspent UTXO locked to address.
func (w *Wallet) Balance(address string) uint64 {
	if w.utxos == nil {
		return 0
	}
	key, err := addressLookupKey(address)
	if err != nil {
		return 0
	}
	return w.utxos.TotalValue(key)
}

// addressLookupKey converts a human-facing Base58Check address into the
// hex-encoded pubkey hash pkg/utxo.Set indexes UTXOs under (it compares
// hex.EncodeToString(LockingScript) against the address argument it is
// given).
func addressLookupKey(address string) (string, error) {
	pubKeyHash, err := addressToPubKeyHash(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pubKeyHash), nil
}

// CreateTransaction selects UTXOs owned by fromAddress to cover amount+fee,
// builds a transaction sending amount to toAddress with any remainder
// returned as a change output, and signs every input.
func (w *Wallet) CreateTransaction(fromAddress, toAddress string, amount, fee uint64) (*block.Transaction, error) {
	if w.utxos == nil {
		return nil, fmt.Errorf("wallet has no attached UTXO set")
	}
	account := w.GetAccount(fromAddress)
	if account == nil {
		return nil, fmt.Errorf("account not found: %s", fromAddress)
	}

	fromKey, err := addressLookupKey(fromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	available := w.utxos.UTXOsForAddress(fromKey)
	if len(available) == 0 {
		return nil, fmt.Errorf("no available UTXOs for address: %s", fromAddress)
	}

	needed := amount + fee
	var selected []*utxo.UTXO
	var selectedSum uint64
	for _, u := range available {
		if selectedSum >= needed {
			break
		}
		selected = append(selected, u)
		selectedSum += u.Value
	}
	if selectedSum < needed {
		return nil, fmt.Errorf("insufficient funds: need %d, have %d", needed, selectedSum)
	}

	inputs := make([]*block.TxInput, 0, len(selected))
	for _, u := range selected {
		inputs = append(inputs, &block.TxInput{
			PreviousTxID: u.TxID,
			OutputIndex:  u.OutputIndex,
			Sequence:     0xffffffff,
		})
	}

	toHash, err := addressToPubKeyHash(toAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	outputs := []*block.TxOutput{{Value: amount, LockingScript: toHash, OutputIndex: 0}}

	if change := selectedSum - needed; change > 0 {
		fromHash, err := addressToPubKeyHash(fromAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid sender address: %w", err)
		}
		outputs = append(outputs, &block.TxOutput{Value: change, LockingScript: fromHash, OutputIndex: 1})
	}

	tx := &block.Transaction{Inputs: inputs, Outputs: outputs, Fee: fee}
	if err := w.SignTransaction(tx, fromAddress); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	tx.ID = tx.ComputeID()

	w.mu.Lock()
	account.Nonce++
	w.mu.Unlock()
	return tx, nil
}

// SignTransaction signs tx's preimage hash with fromAddress's private key
// and writes the unlocking script pkg/utxo.verifyUnlockingScript expects
// onto every input: for secp256k1, 33-byte compressed pubkey + 64-byte
// raw r||s; for ed25519, 32-byte pubkey + 64-byte signature.
func (w *Wallet) SignTransaction(tx *block.Transaction, fromAddress string) error {
	account := w.GetAccount(fromAddress)
	if account == nil {
		return fmt.Errorf("account not found: %s", fromAddress)
	}

	var unlocking []byte
	switch account.KeyType {
	case KeyTypeEd25519:
		sig := ed25519.Sign(ed25519.PrivateKey(account.PrivateKey), tx.HashBytes())
		unlocking = make([]byte, 0, len(account.PublicKey)+len(sig))
		unlocking = append(unlocking, account.PublicKey...)
		unlocking = append(unlocking, sig...)
	default:
		privateKey, err := bytesToPrivateKey(account.PrivateKey)
		if err != nil {
			return fmt.Errorf("convert private key: %w", err)
		}
		digest := sha256.Sum256(tx.HashBytes())
		r, s, err := ecdsa.Sign(rand.Reader, privateKey, digest[:])
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := canonicalizeLowS(r, s, btcec.S256()); err != nil {
			return fmt.Errorf("canonicalize signature: %w", err)
		}
		compressedPub := compressedPubKeyBytes(&privateKey.PublicKey)
		unlocking = make([]byte, 0, len(compressedPub)+64)
		unlocking = append(unlocking, compressedPub...)
		unlocking = append(unlocking, concatRS(r, s)...)
	}

	for _, in := range tx.Inputs {
		in.UnlockingScript = unlocking
	}
	return nil
}

// ExportPrivateKey returns an account's private key as a hex string.
func (w *Wallet) ExportPrivateKey(address string) (string, error) {
	account := w.GetAccount(address)
	if account == nil {
		return "", fmt.Errorf("account not found: %s", address)
	}
	return hex.EncodeToString(account.PrivateKey), nil
}

// ImportPrivateKey decodes a hex-encoded secp256k1 private key and adds its
// derived account to the wallet, returning the existing account if the
// derived address is already present. ed25519 keys are not importable this
// way since an ed25519 private key seed alone can't be disambiguated from
// an arbitrary 32-byte secp256k1 scalar.
func (w *Wallet) ImportPrivateKey(privateKeyHex string) (*Account, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	privateKey, err := bytesToPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}
	pubBytes := compressedPubKeyBytes(&privateKey.PublicKey)
	address := addressFromPubKey(pubBytes)

	if existing := w.GetAccount(address); existing != nil {
		return existing, nil
	}
	account := &Account{
		Address:    address,
		KeyType:    KeyTypeECDSA,
		PublicKey:  pubBytes,
		PrivateKey: privateKeyToBytes(privateKey),
	}
	w.mu.Lock()
	w.accounts[address] = account
	w.mu.Unlock()
	return account, nil
}

func (a *Account) String() string {
	return fmt.Sprintf("Account{Address: %s, Balance: %d, Nonce: %d}", a.Address, a.Balance, a.Nonce)
}

// addressFromPubKey derives a Base58Check address from a compressed
// public key, per the package doc's address format. The hashed pubKeyHash
// matches what pkg/utxo's verifyUnlockingScript recomputes from the
// unlocking script's compressed pubkey, so addresses and locking scripts
// stay consistent end to end.
func addressFromPubKey(pubBytes []byte) string {
	hash := sha256.Sum256(pubBytes)
	pubKeyHash := hash[len(hash)-20:]
	return encodeAddressWithChecksum(pubKeyHash)
}

func encodeAddressWithChecksum(pubKeyHash []byte) string {
	versioned := append([]byte{0x00}, pubKeyHash...)
	hash1 := sha256.Sum256(versioned)
	hash2 := sha256.Sum256(hash1[:])
	checksum := hash2[:4]
	combined := append(versioned, checksum...)
	return base58.Encode(combined)
}

// addressToPubKeyHash decodes a Base58Check address into the raw 20-byte
// public key hash pkg/utxo expects as a locking script.
func addressToPubKeyHash(address string) ([]byte, error) {
	data, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 address: %w", err)
	}
	if len(data) < 25 {
		return nil, fmt.Errorf("address too short")
	}
	version := data[0]
	pubKeyHash := data[1:21]
	checksum := data[21:25]
	if version != 0x00 {
		return nil, fmt.Errorf("unsupported address version: %d", version)
	}
	versioned := append([]byte{version}, pubKeyHash...)
	hash1 := sha256.Sum256(versioned)
	hash2 := sha256.Sum256(hash1[:])
	expected := hash2[:4]
	for i := range checksum {
		if checksum[i] != expected[i] {
			return nil, fmt.Errorf("invalid checksum")
		}
	}
	return pubKeyHash, nil
}

func privateKeyToBytes(k *ecdsa.PrivateKey) []byte {
	d := k.D.Bytes()
	if len(d) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(d):], d)
		return padded
	}
	return d[len(d)-32:]
}

// compressedPubKeyBytes marshals a 33-byte compressed secp256k1 public key,
// the format both address derivation and pkg/utxo's unlocking script expect.
func compressedPubKeyBytes(k *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(btcec.S256(), k.X, k.Y)
}

func bytesToPrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid private key length: %d", len(b))
	}
	curve := btcec.S256()
	d := new(big.Int).SetBytes(b)
	if d.Sign() <= 0 || d.Cmp(curve.N) >= 0 {
		return nil, fmt.Errorf("invalid private key scalar")
	}
	x, y := curve.ScalarBaseMult(b)
	return &ecdsa.PrivateKey{D: d, PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

func concatRS(r, s *big.Int) []byte {
	rb := r.Bytes()
	sb := s.Bytes()
	out := make([]byte, 64)
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):], sb)
	return out
}

// canonicalizeLowS enforces s <= N/2 in place, flipping s to N-s when it
// isn't, preventing signature malleability.
func canonicalizeLowS(r, s *big.Int, curve *btcec.KoblitzCurve) error {
	if r.Sign() <= 0 || r.Cmp(curve.N) >= 0 {
		return errors.New("r value out of bounds")
	}
	halfN := new(big.Int).Div(curve.N, big.NewInt(2))
	if s.Cmp(halfN) > 0 {
		s.Sub(curve.N, s)
	}
	return nil
}

// asn1Signature is kept for DER-encoded signature interchange, e.g. when
// exporting signatures to external tooling.
type asn1Signature struct {
	R, S *big.Int
}

func encodeSignatureDER(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(asn1Signature{R: r, S: s})
}

func decodeSignatureDER(der []byte) (*big.Int, *big.Int, error) {
	var sig asn1Signature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, fmt.Errorf("unmarshal DER signature: %w", err)
	}
	return sig.R, sig.S, nil
}

// deriveKey stretches passphrase+salt into a 32-byte AES-256 key via
// repeated HMAC-SHA256, matching the teacher's PBKDF2-style iteration count.
func deriveKey(passphrase string, salt []byte) []byte {
	passphraseBytes := []byte(passphrase)
	combined := append(append([]byte{}, passphraseBytes...), salt...)
	key := sha256.Sum256(combined)
	derived := key[:]
	for i := 0; i < 100_000; i++ {
		h := hmac.New(sha256.New, derived)
		h.Write(passphraseBytes)
		h.Write(salt)
		h.Write([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
		derived = h.Sum(nil)
	}
	return derived
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	_, err := rand.Read(salt)
	return salt, err
}
