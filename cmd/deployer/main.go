// Command deployer executes declarative contract deployment plans.
package main

import (
	"os"

	"github.com/crownsmarket/deployer/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
