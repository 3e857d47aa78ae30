// Package sanity validates client input before it reaches the compilation
// queue or the deployment registry.
package sanity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/contract-wizard/compiler-server/internal/deployment"
	"github.com/contract-wizard/compiler-server/internal/ss58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxCodeSize is the largest accepted contract source, in bytes.
const MaxCodeSize = 49999

var (
	ErrInvalidInput = errors.New("sanity: invalid input")
	ErrMissingField = errors.New("sanity: missing field")
)

// Standards are the contract standards a request may select. Exactly one
// must be present in a feature list.
var Standards = []string{"psp22", "psp34", "psp37"}

// AllowedFeatures lists every feature the compiler understands.
var AllowedFeatures = []string{
	"psp22",
	"psp34",
	"psp37",
	"pausable",
	"ownable",
	"access-control",
}

// InvalidInputError carries the client-facing reason for a rejected request.
type InvalidInputError struct {
	Field   string
	Reason  string
	Missing bool
}

func (e *InvalidInputError) Error() string { return e.Reason }

func (e *InvalidInputError) Unwrap() []error {
	if e.Missing {
		return []error{ErrInvalidInput, ErrMissingField}
	}
	return []error{ErrInvalidInput}
}

func invalid(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// CheckCompileRequest applies the code size, submitter address and feature
// checks in that order and returns the first failure.
func CheckCompileRequest(code, address string, features []string) error {
	if err := CheckCode(code); err != nil {
		return err
	}
	if err := CheckAddress(address); err != nil {
		return err
	}
	return CheckFeatures(features)
}

func CheckCode(code string) error {
	if len(code) > MaxCodeSize {
		return invalid("code", "Code size too big.")
	}
	return nil
}

// CheckAddress accepts SS58 account addresses only.
func CheckAddress(address string) error {
	if _, err := ss58.Decode(address); err != nil {
		return invalid("address", "Address is not valid: "+describeSS58(err))
	}
	return nil
}

func CheckFeatures(features []string) error {
	if len(features) == 0 {
		return invalid("features", "Features must not be empty.")
	}
	for _, f := range features {
		if !contains(AllowedFeatures, f) {
			return invalid("features", "Feature not allowed")
		}
	}

	found := false
	for _, f := range features {
		if !contains(Standards, f) {
			continue
		}
		if found {
			return invalid("features", "Feature contains ambiguous contract standard")
		}
		found = true
	}
	if !found {
		return invalid("features", "Features must contain at least one contract standard")
	}
	return nil
}

// CheckAccountAddress accepts an SS58 address or a 0x-prefixed EVM address.
func CheckAccountAddress(field, address string) error {
	address = strings.TrimSpace(address)
	if has0xPrefix(address) {
		if !common.IsHexAddress(address) {
			return invalid(field, "Invalid address length")
		}
		return nil
	}
	if n := len(address); n < 47 || n > 49 {
		return invalid(field, "Invalid address length")
	}
	if _, err := ss58.Decode(address); err != nil {
		return invalid(field, "Address is not valid: "+describeSS58(err))
	}
	return nil
}

func CheckTxHash(hash string) error {
	b, err := hexutil.Decode(strings.TrimSpace(hash))
	if err != nil {
		return invalid("tx_hash", fmt.Sprintf("Transaction hash is not valid: %v", err))
	}
	if len(b) != common.HashLength {
		return invalid("tx_hash", "Transaction hash is not valid: must be 32 bytes")
	}
	return nil
}

// CheckDeployment reports missing required fields first, then malformed
// addresses and transaction hash.
func CheckDeployment(d deployment.Deployment) error {
	required := []struct {
		field string
		value string
	}{
		{"contract_address", d.ContractAddress},
		{"network", d.Network},
		{"code_id", d.CodeID},
		{"user_address", d.UserAddress},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &InvalidInputError{
				Field:   r.field,
				Reason:  "missing " + r.field,
				Missing: true,
			}
		}
	}

	if err := CheckAccountAddress("contract_address", d.ContractAddress); err != nil {
		return err
	}
	if err := CheckAccountAddress("user_address", d.UserAddress); err != nil {
		return err
	}
	if d.TxHash != "" {
		if err := CheckTxHash(d.TxHash); err != nil {
			return err
		}
	}
	return nil
}

func describeSS58(err error) string {
	switch {
	case errors.Is(err, ss58.ErrInvalidLength):
		return "Invalid address length"
	case errors.Is(err, ss58.ErrBadChecksum):
		return "Invalid checksum"
	case errors.Is(err, ss58.ErrInvalidPrefix):
		return "Invalid address prefix"
	default:
		return "Invalid base58 character"
	}
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
