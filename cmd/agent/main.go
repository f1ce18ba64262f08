// Command agent is the host monitoring agent's entry point.
package main

import (
	"fmt"
	"os"

	"github.com/vitaliisemenov/hostagent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
