package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if logger != nil {
			logger.Error("tcp-breakdown failed", zap.Error(err))
			logger.Sync()
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
