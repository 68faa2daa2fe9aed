package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/cmd/greenbox/logger"
	"github.com/temoto/greenbox/cmd/greenbox/node"
	"github.com/temoto/greenbox/cmd/greenbox/subcmd"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/state"
	state_new "github.com/temoto/greenbox/internal/state/new"
	"github.com/temoto/greenbox/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderrAuto(log2.LDebug)

var modules = []subcmd.Mod{
	node.RunMod,
	node.OnceMod,
	logger.Mod,
}

func main() {
	flagset := flag.NewFlagSet("greenbox", flag.ContinueOnError)
	flagConfig := flagset.String("config", "greenbox.hcl", "config file, includes are relative to its directory")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [-config=greenbox.hcl] [command]\nCommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-6s %s\n", m.Name, m.Usage)
		}
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	command := flagset.Arg(0)
	if command == "" {
		command = node.RunMod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	ctx, g := state_new.NewContext(log)
	g.BuildVersion = BuildVersion
	stopOnSignal(g)

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	log.Debugf("config read from=%s command=%s", *flagConfig, mod.Name)
	if err := mod.Main(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

// Stop takes effect between cycles, simulated suspend is interrupted.
func stopOnSignal(g *state.Global) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			g.Log.Infof("signal=%v stopping after current cycle", sig)
			g.Stop()
		case <-g.Alive.StopChan():
		}
		signal.Stop(sigs)
	}()
}
