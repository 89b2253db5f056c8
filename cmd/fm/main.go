// fm supervises an analyst/worker agent feedback loop in tmux.
package main

import (
	"os"

	"github.com/foremanhq/foreman/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
