// Command cronward runs the scheduler daemon and its operator commands.
package main

import (
	"os"

	"cronward/cmd/cronward/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
