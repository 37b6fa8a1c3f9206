package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	a := &app{out: os.Stdout, errOut: os.Stderr}
	err := newRootCmd(a).Execute()
	// PersistentPostRunE is skipped when a command fails.
	_ = a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
