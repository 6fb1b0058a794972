package main

import (
	_ "time/tzdata"

	"github.com/aceteam-ai/citadel-fleet/cmd"
)

func main() {
	cmd.Execute()
}
