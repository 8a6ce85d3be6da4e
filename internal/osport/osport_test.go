package osport

import "testing"

func TestProtectionString(t *testing.T) {
	cases := []struct {
		p    Protection
		want string
	}{
		{0, "-"},
		{ProtRead, "R"},
		{ProtRead | ProtWrite, "RW"},
		{ProtRead | ProtWrite | ProtExec, "RWX"},
		{ProtExec, "X"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Protection(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestUnionProtection(t *testing.T) {
	if got := unionProtection(ProtRead|ProtExec, ProtWrite); got != ProtRead|ProtWrite|ProtExec {
		t.Errorf("unionProtection = %v, want RWX", got)
	}
	if got := unionProtection(ProtRead, ProtRead); got != ProtRead {
		t.Errorf("unionProtection = %v, want R", got)
	}
}

func TestWithProtectionRejectsZeroSize(t *testing.T) {
	err := WithProtection(0x1000, 0, ProtWrite, func() error { return nil })
	if err == nil {
		t.Fatal("WithProtection with size=0 should fail")
	}
}
