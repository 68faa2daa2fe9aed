// Receiving host mode: `logger` stores node telemetry from the broker
// into SQLite until SIGTERM.
package logger

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/greenbox/cmd/greenbox/subcmd"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/state"
)

var Mod = subcmd.Mod{Name: "logger", Usage: "store broker telemetry into sqlite until SIGTERM", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	defer func() {
		if err := g.Close(); err != nil {
			g.Log.Errorf("close: %v", err)
		}
	}()
	if err := g.InitRecorder(ctx, cfg); err != nil {
		return errors.Annotate(err, "init")
	}
	r, client, err := g.Recorder(ctx)
	if err != nil {
		return errors.Annotate(err, "recorder")
	}

	if !g.Alive.Add(1) {
		return nil
	}
	defer g.Alive.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	err = r.Run(ctx, client)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Log.Infof("logger stopped")
	return errors.Trace(err)
}
