// Package main is the entrypoint for the declarest gateway.
package main

import (
	"os"

	"github.com/declarest/declarest/cmd/declarest/app"
	"github.com/declarest/declarest/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v, exiting", err)
		os.Exit(1)
	}
}
