package main

import (
	"errors"
	"fmt"
	"os"

	"vpnconsole-go/internal/types"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes input mistakes and credential problems from everything else
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, types.ErrValidation):
		return 2
	case types.IsAuthFailure(err):
		return 3
	default:
		return 1
	}
}
