// Command colonytally maintains denormalized Count, Sum and Min fields over
// stored records: it plans event batches, verifies stored aggregates and
// forces recomputes.
package main

import (
	"errors"
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:]))
}

// run executes the CLI and returns the process exit code: 0 on success, 1
// when verify found drift, 2 on any other error.
func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if errors.Is(err, errDriftFound) {
			return 1
		}
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 2
	}
	return 0
}
