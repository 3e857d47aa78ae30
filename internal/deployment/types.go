package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("deployment: not found")
	ErrInvalidDeployment = errors.New("deployment: invalid deployment")
	ErrInvalidFilter     = errors.New("deployment: invalid filter")
	ErrInvalidConfig     = errors.New("deployment: invalid config")
)

// Deployment records that a compiled contract was deployed on a network.
// Address formats are checked at the request boundary, not here.
type Deployment struct {
	ID uuid.UUID

	ContractName    string
	ContractAddress string
	Network         string
	CodeID          string
	UserAddress     string
	TxHash          string
	Date            string
	ContractType    string
	ExternalABI     string
	Hidden          bool

	CreatedAt time.Time
}

func (d Deployment) Validate() error {
	switch {
	case strings.TrimSpace(d.ContractAddress) == "":
		return fmt.Errorf("%w: missing contract_address", ErrInvalidDeployment)
	case strings.TrimSpace(d.Network) == "":
		return fmt.Errorf("%w: missing network", ErrInvalidDeployment)
	case strings.TrimSpace(d.CodeID) == "":
		return fmt.Errorf("%w: missing code_id", ErrInvalidDeployment)
	case strings.TrimSpace(d.UserAddress) == "":
		return fmt.Errorf("%w: missing user_address", ErrInvalidDeployment)
	}
	return nil
}

// Filter selects deployments by owner. Network and ContractAddress are
// optional and only narrow the result when set.
type Filter struct {
	UserAddress     string
	Network         string
	ContractAddress string
}

func (f Filter) Matches(d Deployment) bool {
	if d.UserAddress != f.UserAddress {
		return false
	}
	if f.Network != "" && d.Network != f.Network {
		return false
	}
	if f.ContractAddress != "" && d.ContractAddress != f.ContractAddress {
		return false
	}
	return true
}

// Store persists deployments. Insert assigns ID and CreatedAt when unset and
// returns the stored record. List returns records oldest first.
type Store interface {
	Insert(ctx context.Context, d Deployment) (Deployment, error)
	Get(ctx context.Context, id uuid.UUID) (Deployment, error)
	List(ctx context.Context, f Filter) ([]Deployment, error)
}
