// The main package for the carharvest executable.
package main

import (
	"github.com/JakeFAU/carharvest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
