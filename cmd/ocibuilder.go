package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aceeric/ocibuilder/cmd/subcmd"
	"github.com/aceeric/ocibuilder/impl/config"
	"github.com/aceeric/ocibuilder/impl/globals"

	log "github.com/sirupsen/logrus"
)

// set by the build with -ldflags "-X main.buildVer=... -X main.buildDtm=..."
var (
	buildVer string
	buildDtm string
)

func main() {
	os.Exit(realMain())
}

// realMain runs the sub-command on the command line and returns the process exit
// code. It is separate from main to support testing.
func realMain() int {
	command, err := getCfg()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing configuration: %s\n", err)
		return 1
	}
	if err := globals.ConfigureLogging(config.GetLogLevel(), config.GetLogFile()); err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %s\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "build":
		err = subcmd.Build(ctx)
	case "jre":
		err = subcmd.Jre(ctx)
	case "version":
		fmt.Printf("ocibuilder version: %s build date: %s\n", buildVer, buildDtm)
	}
	if err != nil {
		log.Debugf("%s failed: %s", command, err)
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	return 0
}
