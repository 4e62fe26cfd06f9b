// Command ultrareplay drives the three retroactive-replay phases
// (makecluster, prepare, replay) from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/ultraverse-io/retrostate/cmd/ultrareplay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
