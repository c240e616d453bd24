// The main package for the edge executable.
package main

import (
	"github.com/JakeFAU/stateofplay-edge/cmd"
)

func main() {
	cmd.Execute()
}
