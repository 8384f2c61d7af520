// Command audiencesync queues audience edits for a device channel and
// uploads them to the audience backend.
package main

import (
	"context"
	"os"

	"github.com/roach88/audiencesync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
