// Command osiris-worker runs inside the execution sandbox. It is spawned by
// internal/engine/remote's ExecProcessSandbox, reads rpcenvelope.Command
// lines from stdin, and writes rpcenvelope.Record lines to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
	"github.com/alexisbeaulieu97/osiris/internal/drivers/filewriter"
	"github.com/alexisbeaulieu97/osiris/internal/drivers/tabularextract"
	"github.com/alexisbeaulieu97/osiris/internal/worker"
)

func main() {
	workspaceDir := flag.String("workspace", ".", "sandbox workspace directory")
	flag.Parse()

	reg := driver.NewRegistry()
	reg.Register(tabularextract.DriverRef, func() driver.Driver { return tabularextract.New(nil) })
	reg.Register(filewriter.DriverRef, func() driver.Driver { return filewriter.New() })

	w := &worker.Worker{Drivers: reg, WorkspaceDir: *workspaceDir}
	if err := w.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "osiris-worker: %v\n", err)
		os.Exit(1)
	}
}
