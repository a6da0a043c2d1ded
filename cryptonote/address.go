package cryptonote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address is a public wallet address.
type Address struct {
	Spend        crypto.PublicKey
	View         crypto.PublicKey
	IsSubaddress bool
	PaymentID    *crypto.ShortHash
}

// Modulus maps the address onto [0, interval): the batching schedule slot
// the address is paid in.
func (a *Address) Modulus(interval uint64) uint64 {
	if interval == 0 {
		return 0
	}
	return binary.LittleEndian.Uint64(a.View[:8]) % interval
}

// NextPayoutHeight returns the first height >= current at which the
// address is due a batched payout.
func (a *Address) NextPayoutHeight(current, interval uint64) uint64 {
	if interval == 0 {
		return current
	}
	offset := a.Modulus(interval)
	if offset < current%interval {
		offset += interval
	}
	return current + offset - current%interval
}

// Bytes is the ledger key of the address: spend key then view key.
func (a *Address) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, a.Spend[:]...)
	return append(out, a.View[:]...)
}

// AddressFromBytes is the inverse of Bytes.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != 64 {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(b))
	}
	var a Address
	copy(a.Spend[:], b[:32])
	copy(a.View[:], b[32:])
	return a, nil
}

// ============================================================================
// CryptoNote base58
// ============================================================================

// CryptoNote base58 encodes in independent 8-byte blocks of 11 characters so
// that the output length depends only on the input length.
const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
	addressChecksumSize  = 4
)

var encodedBlockSizes = [...]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

func encodeBlock(block []byte) string {
	size := encodedBlockSizes[len(block)]
	// base58.Encode writes leading zero bytes as '1' itself; strip them and
	// pad to the fixed width instead.
	trimmed := bytes.TrimLeft(block, "\x00")
	enc := ""
	if len(trimmed) > 0 {
		enc = base58.Encode(trimmed)
	}
	return strings.Repeat("1", size-len(enc)) + enc
}

func decodeBlock(s string, size int) ([]byte, error) {
	trimmed := strings.TrimLeft(s, "1")
	var raw []byte
	if trimmed != "" {
		raw = base58.Decode(trimmed)
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: bad base58 block %q", ErrInvalidAddress, s)
		}
	}
	if len(raw) > size {
		return nil, fmt.Errorf("%w: block %q overflows", ErrInvalidAddress, s)
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out, nil
}

// Base58Encode encodes data with the CryptoNote block-wise alphabet.
func Base58Encode(data []byte) string {
	var sb strings.Builder
	for len(data) > 0 {
		n := min(len(data), fullBlockSize)
		sb.WriteString(encodeBlock(data[:n]))
		data = data[n:]
	}
	return sb.String()
}

// Base58Decode is the inverse of Base58Encode.
func Base58Decode(s string) ([]byte, error) {
	var out []byte
	for len(s) > 0 {
		n := min(len(s), fullEncodedBlockSize)
		size := -1
		for i, es := range encodedBlockSizes {
			if es == n {
				size = i
				break
			}
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: bad length", ErrInvalidAddress)
		}
		block, err := decodeBlock(s[:n], size)
		if err != nil {
			return nil, err
		}
		// Re-encoding must reproduce the input; this rejects block values
		// that overflow the block size.
		if encodeBlock(block) != s[:n] {
			return nil, fmt.Errorf("%w: non-canonical block", ErrInvalidAddress)
		}
		out = append(out, block...)
		s = s[n:]
	}
	return out, nil
}

// EncodeAddress renders addr for net. Subaddresses and integrated addresses
// use their own prefixes.
func EncodeAddress(net params.NetType, addr Address) string {
	cfg := params.Config(net)
	prefix := cfg.AddressPrefix
	switch {
	case addr.IsSubaddress:
		prefix = cfg.SubaddressPrefix
	case addr.PaymentID != nil:
		prefix = cfg.IntegratedAddressPrefix
	}

	buf := PutVarint(nil, prefix)
	buf = append(buf, addr.Spend[:]...)
	buf = append(buf, addr.View[:]...)
	if addr.PaymentID != nil && !addr.IsSubaddress {
		buf = append(buf, addr.PaymentID[:]...)
	}
	sum := crypto.Keccak256(buf)
	buf = append(buf, sum[:addressChecksumSize]...)
	return Base58Encode(buf)
}

// DecodeAddress parses an address of net.
func DecodeAddress(net params.NetType, s string) (Address, error) {
	raw, err := Base58Decode(s)
	if err != nil {
		return Address{}, err
	}
	if len(raw) < addressChecksumSize {
		return Address{}, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}
	body, sum := raw[:len(raw)-addressChecksumSize], raw[len(raw)-addressChecksumSize:]
	want := crypto.Keccak256(body)
	if !bytes.Equal(sum, want[:addressChecksumSize]) {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	prefix, n, err := ReadVarint(body)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	body = body[n:]

	cfg := params.Config(net)
	var addr Address
	switch prefix {
	case cfg.AddressPrefix:
		if len(body) != 64 {
			return Address{}, fmt.Errorf("%w: bad length", ErrInvalidAddress)
		}
	case cfg.SubaddressPrefix:
		if len(body) != 64 {
			return Address{}, fmt.Errorf("%w: bad length", ErrInvalidAddress)
		}
		addr.IsSubaddress = true
	case cfg.IntegratedAddressPrefix:
		if len(body) != 72 {
			return Address{}, fmt.Errorf("%w: bad length", ErrInvalidAddress)
		}
		var pid crypto.ShortHash
		copy(pid[:], body[64:])
		addr.PaymentID = &pid
	default:
		return Address{}, fmt.Errorf("%w: prefix %d is not a %s address", ErrInvalidAddress, prefix, net)
	}
	copy(addr.Spend[:], body[:32])
	copy(addr.View[:], body[32:64])
	if !crypto.CheckKey(addr.Spend) || !crypto.CheckKey(addr.View) {
		return Address{}, fmt.Errorf("%w: key not on curve", ErrInvalidAddress)
	}
	return addr, nil
}
