package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/runtime"
)

// Config is the top-level configuration object of the spooltrack service.
var Config = new(runtime.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	if err := runtime.InitLog(Config.Log); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"spreadsheet": Config.Sheets.SpreadsheetID,
		"port":        Config.API.Port,
	}).Info("spooltrack configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal; draining")
		cancel()
	}()

	return runtime.Serve(ctx, Config)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the spooltrack API", `
Serve the spool workflow API with the provided configuration, until signaled
to exit (via SIGTERM). In-flight requests are drained before shutdown.
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
