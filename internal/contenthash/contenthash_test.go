package contenthash

import (
	"errors"
	"strings"
	"testing"
)

func TestOf_Deterministic(t *testing.T) {
	t.Parallel()

	a := OfString("pub mod my_psp22 {}")
	b := Of([]byte("pub mod my_psp22 {}"))
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if c := OfString("pub mod my_psp34 {}"); c == a {
		t.Fatalf("expected distinct ids for distinct sources")
	}
}

func TestOf_EmptyInput(t *testing.T) {
	t.Parallel()

	// sha256("")
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Of(nil).String(); got != want {
		t.Fatalf("empty id: got %s want %s", got, want)
	}
	if Of(nil).IsZero() {
		t.Fatalf("empty source must not map to the zero id")
	}
}

func TestID_StringIsLowercaseFixedWidth(t *testing.T) {
	t.Parallel()

	s := OfString("X").String()
	if len(s) != 64 {
		t.Fatalf("len: got %d want 64", len(s))
	}
	if s != strings.ToLower(s) {
		t.Fatalf("expected lowercase hex, got %s", s)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	id := OfString("X")
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "lowercase", in: id.String()},
		{name: "uppercase", in: strings.ToUpper(id.String())},
		{name: "0x prefix", in: "0x" + id.String()},
		{name: "surrounding space", in: "  " + id.String() + " "},
		{name: "empty", in: "", wantErr: true},
		{name: "short", in: "1", wantErr: true},
		{name: "not hex", in: strings.Repeat("zz", 32), wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidID) {
					t.Fatalf("expected ErrInvalidID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != id {
				t.Fatalf("got %s want %s", got, id)
			}
		})
	}
}
