package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	app := newApp(os.Stdout, dialLedger, log)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "voucherctl:", err)
		os.Exit(1)
	}
}
