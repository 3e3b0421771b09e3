package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  string
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "callcored: %s\n", err)
		os.Exit(1)
	}
}
