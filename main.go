package main

import (
	"os"

	"github.com/adalundhe/easel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
