package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRoot().Command()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
