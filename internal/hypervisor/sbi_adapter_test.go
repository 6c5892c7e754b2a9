package hypervisor

import (
	"testing"

	"github.com/tinyrange/hikami-go/internal/guest"
	"github.com/tinyrange/hikami-go/internal/sbi"
)

func TestSbiAdapterPanicsOnUnknownExtension(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected sbiAdapter.Handle to panic on an unknown extension id")
		}
		if _, ok := r.(*sbi.Unknown); !ok {
			t.Fatalf("expected recovered value to be *sbi.Unknown, got %T", r)
		}
	}()

	var ctx guest.Context
	ctx.SetXreg(17, 0xdead_beef) // a7: unrecognized extension id
	ctx.SetXreg(16, 0)

	a := sbiAdapter{server: &sbi.Server{}}
	a.Handle(&ctx)

	t.Fatalf("Handle returned normally, expected panic")
}

func TestSbiAdapterHandlesKnownExtension(t *testing.T) {
	var ctx guest.Context
	ctx.SetXreg(17, sbi.ExtBase)
	ctx.SetXreg(16, sbi.BaseGetSpecVersion)

	a := sbiAdapter{server: &sbi.Server{}}
	code, val := a.Handle(&ctx)
	if code != sbi.Success || val != sbi.SpecVersion {
		t.Fatalf("Handle = (%d, 0x%x), want (%d, 0x%x)", code, val, sbi.Success, sbi.SpecVersion)
	}
}
