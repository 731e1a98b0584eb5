// Package address 按订单确定性派生收款地址
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // BTC HASH160 需要 RIPEMD-160

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

const (
	hardenedOffset uint32 = 1 << 31

	btcP2PKHVersion byte = 0x00
	tronVersion     byte = 0x41
)

// Derivation 派生结果
type Derivation struct {
	Address string
	Path    string
	Network string
	Index   uint32
}

// DerivationIndex SHA-256(orderID) 前 4 字节按大端解释，取模 2^31
func DerivationIndex(orderID string) uint32 {
	sum := sha256.Sum256([]byte(orderID))
	return binary.BigEndian.Uint32(sum[:4]) % hardenedOffset
}

// DerivationPath BIP-44 路径 m/44'/<coinType>'/0'/0/<index>
func DerivationPath(coinType, index uint32) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coinType, index)
}

// Derive 计算订单在指定币种下的收款地址，纯函数
// 种子混入 orderID，31 位 index 碰撞时地址仍然不同
func Derive(orderID string, currency model.Currency) (*Derivation, error) {
	spec, ok := currency.Spec()
	if !ok {
		return nil, bizerr.ErrUnsupportedCurrency.WithDetail("currency", string(currency))
	}

	index := DerivationIndex(orderID)
	path := DerivationPath(spec.CoinType, index)
	seed := sha256.Sum256([]byte(path + "|" + orderID))

	var addr string
	switch spec.Network {
	case model.NetworkEthereum:
		addr = common.BytesToAddress(crypto.Keccak256(seed[:])[12:]).Hex()
	case model.NetworkBitcoin:
		addr = base58CheckEncode(btcP2PKHVersion, hash160(seed[:]))
	case model.NetworkTron:
		addr = base58CheckEncode(tronVersion, crypto.Keccak256(seed[:])[12:])
	default:
		return nil, bizerr.ErrUnsupportedCurrency.WithDetail("network", spec.Network)
	}

	return &Derivation{
		Address: addr,
		Path:    path,
		Network: spec.Network,
		Index:   index,
	}, nil
}

// Validate 校验地址格式是否属于该币种
func Validate(currency model.Currency, addr string) error {
	spec, ok := currency.Spec()
	if !ok {
		return bizerr.ErrUnsupportedCurrency.WithDetail("currency", string(currency))
	}

	switch spec.Network {
	case model.NetworkEthereum:
		if !common.IsHexAddress(addr) {
			return bizerr.ErrInvalidAddress.WithDetail("address", addr)
		}
	case model.NetworkBitcoin:
		if _, err := base58CheckDecode(btcP2PKHVersion, addr); err != nil {
			return bizerr.Wrap(bizerr.ErrInvalidAddress, err).WithDetail("address", addr)
		}
	case model.NetworkTron:
		if _, err := base58CheckDecode(tronVersion, addr); err != nil {
			return bizerr.Wrap(bizerr.ErrInvalidAddress, err).WithDetail("address", addr)
		}
	}
	return nil
}

func hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func base58CheckEncode(version byte, payload []byte) string {
	buf := make([]byte, 0, 1+len(payload)+4)
	buf = append(buf, version)
	buf = append(buf, payload...)
	buf = append(buf, checksum(buf)...)
	return base58.Encode(buf)
}

func base58CheckDecode(version byte, s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 1+20+4 {
		return nil, fmt.Errorf("unexpected length %d", len(raw))
	}
	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(checksum(body), sum) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	if body[0] != version {
		return nil, fmt.Errorf("unexpected version 0x%02x", body[0])
	}
	return body[1:], nil
}
