package boot

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// Halter stops the boot sequence after a failed validation. Halt must not
// return control to code that could restart the device.
type Halter interface {
	Halt(ctx context.Context)
}

// WaitHalter parks the caller until ctx ends, the stand-in for a low-power
// wait that only external intervention can break.
type WaitHalter struct {
	Logger hclog.Logger
}

func (w WaitHalter) Halt(ctx context.Context) {
	if w.Logger != nil {
		w.Logger.Error("🛑 halting: no valid image to hand off to")
	}
	<-ctx.Done()
}
