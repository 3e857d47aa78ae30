// Package ss58 decodes and encodes Substrate SS58 account addresses.
//
// Only 32-byte account ids are accepted. The checksum is the first two bytes
// of blake2b-512 over "SS58PRE" followed by the prefix and the account id.
package ss58

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	AccountIDSize = 32
	checksumSize  = 2

	// GenericPrefix is the network-agnostic Substrate prefix.
	GenericPrefix uint16 = 42
)

var (
	ErrInvalidAddress = errors.New("ss58: invalid address")
	ErrInvalidLength  = errors.New("ss58: invalid address length")
	ErrInvalidPrefix  = errors.New("ss58: invalid prefix")
	ErrBadChecksum    = errors.New("ss58: bad checksum")
)

var checksumPreimage = []byte("SS58PRE")

// Address is a decoded SS58 address.
type Address struct {
	Prefix    uint16
	AccountID [AccountIDSize]byte
}

func Decode(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) == 0 {
		return Address{}, ErrInvalidLength
	}

	prefix, prefixLen, err := decodePrefix(raw)
	if err != nil {
		return Address{}, err
	}
	if len(raw) != prefixLen+AccountIDSize+checksumSize {
		return Address{}, ErrInvalidLength
	}

	body := raw[:len(raw)-checksumSize]
	want := checksum(body)
	if !bytes.Equal(want[:], raw[len(raw)-checksumSize:]) {
		return Address{}, ErrBadChecksum
	}

	var out Address
	out.Prefix = prefix
	copy(out.AccountID[:], raw[prefixLen:prefixLen+AccountIDSize])
	return out, nil
}

// Valid reports whether s decodes as an SS58 account address.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}

func Encode(prefix uint16, accountID [AccountIDSize]byte) (string, error) {
	var head []byte
	switch {
	case prefix < 64:
		head = []byte{byte(prefix)}
	case prefix < 16384:
		lower := byte(prefix & 0xff)
		upper := byte(prefix >> 8)
		head = []byte{
			((lower & 0xfc) >> 2) | 0x40,
			(lower&0x03)<<6 | upper,
		}
	default:
		return "", fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}

	body := make([]byte, 0, len(head)+AccountIDSize+checksumSize)
	body = append(body, head...)
	body = append(body, accountID[:]...)
	sum := checksum(body)
	body = append(body, sum[:]...)
	return base58.Encode(body), nil
}

func decodePrefix(raw []byte) (uint16, int, error) {
	b0 := raw[0]
	switch {
	case b0 < 64:
		return uint16(b0), 1, nil
	case b0 < 128:
		if len(raw) < 2 {
			return 0, 0, ErrInvalidLength
		}
		b1 := raw[1]
		lower := (b0 << 2) | (b1 >> 6)
		upper := b1 & 0x3f
		return uint16(lower) | uint16(upper)<<8, 2, nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved first byte %d", ErrInvalidPrefix, b0)
	}
}

func checksum(body []byte) [checksumSize]byte {
	h, _ := blake2b.New512(nil)
	h.Write(checksumPreimage)
	h.Write(body)
	sum := h.Sum(nil)

	var out [checksumSize]byte
	copy(out[:], sum[:checksumSize])
	return out
}
