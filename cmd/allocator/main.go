// Package main is the allocator process: it serves a PBS/TORQUE node pool
// over HTTP and gRPC and offers client commands against a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/narvanalabs/mpi-allocator/internal/api"
)

func main() {
	app := &cli.App{
		Name:    "allocator",
		Usage:   "allocate batch-job nodes to MPI servers",
		Version: api.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML file overlaid on the environment",
				EnvVars: []string{"MPIALLOC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			poolCommand(),
			keysCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
