// Command carestore operates a carestore data directory: migrations, key
// rotation, queue inspection, repair actions, and the audit trail.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
