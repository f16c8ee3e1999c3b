package main

import (
	"fmt"
	"os"
)

func main() {
	err := NewRootCmd().Execute()

	// PersistentPostRunE is skipped when a command fails.
	stopCPUProfile()

	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
