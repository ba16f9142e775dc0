// The main package for the genfleet executable.
package main

import (
	"context"
	"os"

	"github.com/JakeFAU/genfleet/cmd"
)

// main defers all execution to the Cobra CLI and exits with the code it reports.
func main() {
	os.Exit(cmd.Execute(context.Background()))
}
