package main

import (
	"fmt"
	"os"

	"github.com/mmmika/construct/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "evalctl:", err)
		os.Exit(1)
	}
}
