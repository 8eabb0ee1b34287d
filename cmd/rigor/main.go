package main

import (
	"os"

	"github.com/rigor-forensics/rigor/cmd/rigor/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
