package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/contract-wizard/compiler-server/internal/contenthash"
)

var (
	ErrNotFound        = errors.New("contract: not found")
	ErrAlreadyExists   = errors.New("contract: already exists")
	ErrInvalidContract = errors.New("contract: invalid contract")
	ErrInvalidConfig   = errors.New("contract: invalid config")
)

// Contract is a compiled contract cached under the content id of its source.
// Records are written once and never modified.
type Contract struct {
	CodeID   contenthash.ID
	Wasm     []byte
	Metadata json.RawMessage
	Features []string

	CreatedAt time.Time
}

func (c Contract) Validate() error {
	if c.CodeID.IsZero() {
		return fmt.Errorf("%w: missing code id", ErrInvalidContract)
	}
	if len(c.Wasm) == 0 {
		return fmt.Errorf("%w: empty wasm", ErrInvalidContract)
	}
	if len(c.Metadata) == 0 || !json.Valid(c.Metadata) {
		return fmt.Errorf("%w: metadata must be a json document", ErrInvalidContract)
	}
	return nil
}

// Store persists compiled contracts.
//
// Insert must not overwrite an existing record: inserting a code id that is
// already stored returns ErrAlreadyExists and leaves the stored record as is.
type Store interface {
	Get(ctx context.Context, codeID contenthash.ID) (Contract, error)
	Insert(ctx context.Context, c Contract) error
}

func Clone(c Contract) Contract {
	out := c
	out.Wasm = append([]byte(nil), c.Wasm...)
	out.Metadata = append(json.RawMessage(nil), c.Metadata...)
	out.Features = append([]string(nil), c.Features...)
	return out
}
