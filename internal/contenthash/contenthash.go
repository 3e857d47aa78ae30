package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the byte length of an ID.
const Size = sha256.Size

var ErrInvalidID = errors.New("contenthash: invalid id")

// ID identifies contract source code. It is both the cache key of the
// contract store and the dedup key of the compilation queue.
type ID [Size]byte

// Of derives the ID of source. Any input, including empty, is valid.
func Of(source []byte) ID {
	return ID(sha256.Sum256(source))
}

// OfString is Of for string sources.
func OfString(source string) ID {
	return Of([]byte(source))
}

// String returns the lowercase hex form used as external identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse decodes the lowercase or uppercase hex form of an ID. A 0x prefix is
// tolerated.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*Size {
		return ID{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidID, 2*Size, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	var out ID
	copy(out[:], b)
	return out, nil
}
