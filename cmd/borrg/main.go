// Package main is the entry point for borrg.
package main

import (
	"os"
)

func main() {
	code := 0
	if err := Execute(); err != nil {
		code = 1
	}
	closeLogFile()
	os.Exit(code)
}
