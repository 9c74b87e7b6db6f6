package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gemcap/gemcap/cmd/gemcap/commands"
	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/libs/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(log.LogFormatPlain, config.DefaultLogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, logger),
		commands.MakeFetchCommand(conf, logger),
		commands.MakeBrowseCommand(conf, logger),
		commands.MakeIdentityCommand(conf, logger),
		commands.MakeTrustCommand(conf, logger),
		commands.MakeHistoryCommand(conf, logger),
		commands.MakeBookmarkCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		stop()
		os.Exit(1)
	}
}
