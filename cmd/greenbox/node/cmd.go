// Node modes: `run` repeats wake cycles as a service, `once` runs a single
// cycle for systemd timers and bench checks.
package node

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/greenbox/cmd/greenbox/subcmd"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/cycle"
	"github.com/temoto/greenbox/internal/state"
)

var RunMod = subcmd.Mod{Name: "run", Usage: "wake cycles until SIGTERM", Main: RunMain}
var OnceMod = subcmd.Mod{Name: "once", Usage: "single wake cycle then exit", Main: OnceMain}

func RunMain(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	c, err := setup(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeHardware(g)

	c.AfterCycle = func(o cycle.Outcome) {
		afterCycle(g, o)
		subcmd.SdNotify(daemon.SdNotifyWatchdog)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	n := c.Loop(ctx, g.Alive)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Log.Infof("stopped after cycles=%d", n)
	return nil
}

func OnceMain(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	c, err := setup(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeHardware(g)

	c.AfterCycle = func(o cycle.Outcome) { afterCycle(g, o) }
	o := c.RunOnce(ctx)
	if !o.SensorsOK || !o.TransmitOK {
		return errors.Errorf("cycle failed %s", o.String())
	}
	return nil
}

func setup(ctx context.Context, g *state.Global, cfg *config.Config) (*cycle.Controller, error) {
	if err := g.Init(ctx, cfg); err != nil {
		closeHardware(g)
		return nil, errors.Annotate(err, "init")
	}
	c, err := g.Controller()
	if err != nil {
		closeHardware(g)
		return nil, errors.Annotate(err, "controller")
	}
	return c, nil
}

func afterCycle(g *state.Global, o cycle.Outcome) {
	if n := g.TakeErrorCount(); n != 0 {
		g.Log.Infof("cycle logged errors=%d sleep=%v", n, o.Sleep)
	}
}

func closeHardware(g *state.Global) {
	if err := g.Close(); err != nil {
		g.Log.Errorf("hardware close: %v", err)
	}
}
