// The main package for the translation poller executable.
package main

import (
	"github.com/kxc663/translation-client/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
