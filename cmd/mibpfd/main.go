// Command mibpfd is the execution-manager daemon: it owns a fixed set of
// program slots and JIT slots, a worker pool, and a small surface of
// subcommands for loading and running programs against them. The daemon
// has a real subcommand surface and environment-driven configuration, so
// it is built on github.com/spf13/cobra with github.com/spf13/viper
// backing internal/config (see that package's doc comment).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
