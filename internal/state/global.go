package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	// nil means real time, tests inject FakeDelay
	Delay    helpers.Delayer
	Hardware hardware // hardware.go
	Log      *log2.Log

	errorCount uint32

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

func (g *Global) initConfig(cfg *config.Config) error {
	g.Config = cfg

	g.Log.SetErrorFunc(g.countError)

	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.BuildVersion == "unknown" {
		g.Log.Errorf("build version is not set, please use -ldflags=-X")
	}

	return errors.Annotate(g.Config.Validate(), "config")
}

// If `Init` fails, consider `Global` is in broken state.
// Hardware is opened concurrently, all errors are reported together.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	if err := g.initConfig(cfg); err != nil {
		return err
	}

	const initTasks = 5
	wg := sync.WaitGroup{}
	wg.Add(initTasks)
	errch := make(chan error, initTasks)
	go helpers.WrapErrChan(&wg, errch, func() error { _, _, _, err := g.ModemDevices(); return err })
	go helpers.WrapErrChan(&wg, errch, func() error { _, err := g.SensorProbe(); return err })
	go helpers.WrapErrChan(&wg, errch, func() error { _, err := g.BatteryADC(); return err })
	go helpers.WrapErrChan(&wg, errch, func() error { _, err := g.Broker(); return err })
	go helpers.WrapErrChan(&wg, errch, func() error { _, _, err := g.Suspender(); return err })
	wg.Wait()
	close(errch)

	return helpers.FoldErrChan(errch)
}

// InitRecorder is Init for the receiving host: broker subscriber and
// database, node hardware stays closed.
func (g *Global) InitRecorder(ctx context.Context, cfg *config.Config) error {
	if err := g.initConfig(cfg); err != nil {
		return err
	}
	_, _, err := g.RecorderDevices(ctx)
	return err
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// TakeErrorCount returns errors logged since previous call.
func (g *Global) TakeErrorCount() uint32 {
	return atomic.SwapUint32(&g.errorCount, 0)
}

func (g *Global) countError(error) {
	atomic.AddUint32(&g.errorCount, 1)
}

func (g *Global) delay() helpers.Delayer {
	if g.Delay != nil {
		return g.Delay
	}
	return helpers.RealDelay{}
}

// componentLog is a clone at info level, debug when enabled in config.
func (g *Global) componentLog(debug bool) *log2.Log {
	l := g.Log.Clone(log2.LInfo)
	if debug {
		l.SetLevel(log2.LDebug)
	}
	return l
}
