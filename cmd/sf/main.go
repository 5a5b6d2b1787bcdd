// sf is the ScanForge CLI for running single-shot scans.
package main

import (
	"os"

	"github.com/scanforge-io/scanforge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
