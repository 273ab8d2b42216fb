package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/msgrelay/internal/daemon"
	"github.com/matheus3301/msgrelay/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	opts := []fx.Option{daemon.Module(daemon.Params{Profile: name, Debug: *debug})}
	if *debug {
		opts = append(opts, fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}))
	} else {
		opts = append(opts, fx.NopLogger)
	}

	fx.New(opts...).Run()
}
