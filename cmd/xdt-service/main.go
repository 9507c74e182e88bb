// xdt-service runs one XDT endpoint: a dispatcher bound to a single
// (host, port), ready to act as either side of a connection depending on
// which arrival it sees first (§4.3, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	xdt "github.com/j-koch/xdt-service"
	"github.com/j-koch/xdt-service/pkg/config"
	"github.com/j-koch/xdt-service/pkg/dispatcher"
	"github.com/j-koch/xdt-service/pkg/fault"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: xdt-service [-e <error_case>] [-c <config>] <host>:<port>")
	flag.PrintDefaults()
}

func main() {
	errCase := flag.Int("e", 0, "fault-injector error case, 0..8 (0 = none)")
	configPath := flag.String("c", "", "optional INI config overriding protocol constants")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	fatal := func(format string, args ...any) {
		fmt.Fprintln(os.Stderr, color.RedString(format, args...))
		os.Exit(1)
	}

	local, err := xdt.ParseAddress(flag.Arg(0))
	if err != nil {
		fatal("invalid address %q: %v", flag.Arg(0), err)
	}

	c, ok := fault.ParseCase(*errCase)
	if !ok {
		fatal("invalid error case %d: must be 0..8", *errCase)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load config %q: %v", *configPath, err)
	}

	logger := log.NewEntry(log.StandardLogger())

	fmt.Println(color.CyanString("xdt-service listening on %s (error case %d)", local.String(), c))

	d, err := dispatcher.New(local, cfg, c, logger)
	if err != nil {
		fatal("failed to start dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println(color.YellowString("received shutdown signal, draining connections"))
		cancel()
	}()

	d.Run(ctx)
	os.Exit(0)
}
