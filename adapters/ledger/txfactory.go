package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Keyring 保存市場代管帳戶的簽名金鑰
type Keyring struct {
	private ed25519.PrivateKey
	address string
}

// NewKeyring 從種子字串推導代管金鑰
func NewKeyring(seed string) (*Keyring, error) {
	if seed == "" {
		return nil, errors.New("custodian seed cannot be empty")
	}
	digest := sha256.Sum256([]byte(seed))
	private := ed25519.NewKeyFromSeed(digest[:])
	public := private.Public().(ed25519.PublicKey)
	return &Keyring{
		private: private,
		address: hex.EncodeToString(public),
	}, nil
}

// Address 回傳代管帳戶的帳本地址
func (k *Keyring) Address() string {
	return k.address
}

func (k *Keyring) sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// txCall 是送往帳本前的交易內容
type txCall struct {
	Method       string
	Nonce        uint64
	CollectionID uint64 `msgpack:",omitempty"`
	TokenID      uint64 `msgpack:",omitempty"`
	To           string
	Amount       string `msgpack:",omitempty"`
}

// txFactory 以代管金鑰建立並簽署交易
type txFactory struct {
	keyring *Keyring
}

// NewTxFactory 建立以代管金鑰簽署交易的工廠
func NewTxFactory(keyring *Keyring) (TxFactory, error) {
	if keyring == nil {
		return nil, errors.New("keyring cannot be nil")
	}
	return &txFactory{keyring: keyring}, nil
}

func (f *txFactory) TokenTransfer(nonce uint64, collectionID, tokenID uint64, to string) (SignedTx, error) {
	return f.build(txCall{
		Method:       "nft.transfer",
		Nonce:        nonce,
		CollectionID: collectionID,
		TokenID:      tokenID,
		To:           to,
	})
}

func (f *txFactory) BalanceTransfer(nonce uint64, to string, amount decimal.Decimal) (SignedTx, error) {
	return f.build(txCall{
		Method: "balances.transfer",
		Nonce:  nonce,
		To:     to,
		Amount: amount.String(),
	})
}

func (f *txFactory) build(call txCall) (SignedTx, error) {
	const op = "build"
	body, err := msgpack.Marshal(call)
	if err != nil {
		return SignedTx{}, fmt.Errorf("[%s] Fail to encode call, err=%w", op, err)
	}
	signature := f.keyring.sign(body)
	payload := append(body, signature...)
	digest := sha256.Sum256(payload)
	return SignedTx{
		Hash:    "0x" + hex.EncodeToString(digest[:]),
		Signer:  f.keyring.address,
		Payload: payload,
	}, nil
}
