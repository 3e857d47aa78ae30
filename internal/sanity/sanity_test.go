package sanity

import (
	"errors"
	"strings"
	"testing"

	"github.com/contract-wizard/compiler-server/internal/deployment"
)

const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func reason(t *testing.T, err error) string {
	t.Helper()
	var ie *InvalidInputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InvalidInputError, got %T %v", err, err)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput match")
	}
	return ie.Reason
}

func TestCheckCode(t *testing.T) {
	t.Parallel()

	if err := CheckCode(strings.Repeat("a", MaxCodeSize)); err != nil {
		t.Fatalf("limit should be accepted: %v", err)
	}
	err := CheckCode(strings.Repeat("a", MaxCodeSize+1))
	if got := reason(t, err); got != "Code size too big." {
		t.Fatalf("reason: %q", got)
	}
}

func TestCheckFeatures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		features []string
		want     string
	}{
		{"ok psp22", []string{"psp22"}, ""},
		{"ok with extras", []string{"pausable", "psp34", "ownable", "access-control"}, ""},
		{"empty", nil, "Features must not be empty."},
		{"not allowed", []string{"psp22", "mintable"}, "Feature not allowed"},
		{"ambiguous", []string{"psp22", "psp37"}, "Feature contains ambiguous contract standard"},
		{"no standard", []string{"ownable", "pausable"}, "Features must contain at least one contract standard"},
		{"case sensitive", []string{"PSP22"}, "Feature not allowed"},
	}
	for _, tc := range cases {
		err := CheckFeatures(tc.features)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if got := reason(t, err); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestCheckCompileRequest_Order(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", MaxCodeSize+1)
	if got := reason(t, CheckCompileRequest(big, "bad", nil)); got != "Code size too big." {
		t.Fatalf("size must be checked first, got %q", got)
	}
	if got := reason(t, CheckCompileRequest("code", "bad", nil)); !strings.HasPrefix(got, "Address is not valid: ") {
		t.Fatalf("address must be checked second, got %q", got)
	}
	if got := reason(t, CheckCompileRequest("code", alice, nil)); got != "Features must not be empty." {
		t.Fatalf("features checked last, got %q", got)
	}
	if err := CheckCompileRequest("code", alice, []string{"psp22"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckAccountAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in string
		ok bool
	}{
		{alice, true},
		{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA", false},
		{"some_address", false},
		{"5FrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", false},
		{"", false},
	}
	for _, tc := range cases {
		err := CheckAccountAddress("user_address", tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error", tc.in)
		}
	}
	if got := reason(t, CheckAccountAddress("user_address", "some_user_address")); got != "Invalid address length" {
		t.Fatalf("reason: %q", got)
	}
}

func TestCheckTxHash(t *testing.T) {
	t.Parallel()

	if err := CheckTxHash("0x" + strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "0x", strings.Repeat("ab", 32), "0x" + strings.Repeat("ab", 31), "0xzz"} {
		if err := CheckTxHash(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestCheckDeployment(t *testing.T) {
	t.Parallel()

	valid := deployment.Deployment{
		ContractAddress: alice,
		Network:         "shibuya",
		CodeID:          "some_id",
		UserAddress:     alice,
	}
	if err := CheckDeployment(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := valid
	missing.Network = ""
	err := CheckDeployment(missing)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}

	badUser := valid
	badUser.ContractAddress = "some_address"
	err = CheckDeployment(badUser)
	if errors.Is(err, ErrMissingField) {
		t.Fatalf("malformed address is not a missing field")
	}
	if got := reason(t, err); got != "Invalid address length" {
		t.Fatalf("reason: %q", got)
	}

	badHash := valid
	badHash.TxHash = "0x1234"
	if err := CheckDeployment(badHash); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
