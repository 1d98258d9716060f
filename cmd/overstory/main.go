// Command overstory is the agent-supervision core's CLI entry point.
package main

import (
	"os"

	"github.com/overstory-dev/overstory/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
