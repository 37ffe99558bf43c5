package main

import (
	"errors"
	"fmt"
	"os"

	auditctlcmd "github.com/telekom/audit-trail/pkg/auditctl/cmd"
)

// exitTampered distinguishes a failed verification from other errors.
const exitTampered = 2

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := auditctlcmd.NewRootCommand(auditctlcmd.DefaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, auditctlcmd.ErrTampered) {
			return exitTampered
		}
		return 1
	}
	return 0
}
