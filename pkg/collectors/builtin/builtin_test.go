package builtin

import (
	"testing"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

func TestRegisterAllFamilies(t *testing.T) {
	reg := collectors.NewRegistry()
	if err := Register(reg, collectors.Env{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := map[collectors.Family]int{
		collectors.FamilyHardware: 6,
		collectors.FamilySoftware: 4,
		collectors.FamilyNetwork:  4,
		collectors.FamilySecurity: 3,
		collectors.FamilyUser:     2,
		collectors.FamilyOther:    5,
	}
	byFamily := reg.ByFamily()
	for fam, n := range want {
		if got := len(byFamily[fam]); got != n {
			t.Errorf("%s: %d capabilities, want %d (%v)", fam, got, n, byFamily[fam])
		}
	}
	if len(reg.List()) != 24 {
		t.Errorf("total = %d, want 24", len(reg.List()))
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := collectors.NewRegistry()
	_ = Register(reg, collectors.Env{})
	if err := Register(reg, collectors.Env{}); err == nil {
		t.Error("second registration should report duplicates")
	}
}
