package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/narvanalabs/mpi-allocator/internal/grpc"
)

func poolCommand() *cli.Command {
	clientFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "allocator gRPC address",
			EnvVars: []string{"MPIALLOC_ADDR"},
			Value:   "localhost:9090",
		},
		&cli.StringFlag{
			Name:     "token",
			Usage:    "bearer token from gentoken",
			EnvVars:  []string{"MPIALLOC_TOKEN"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "per-call timeout",
			Value: 30 * time.Second,
		},
	}

	return &cli.Command{
		Name:  "pool",
		Usage: "query or change a running allocator",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "print the pool snapshot",
				Flags:  clientFlags,
				Action: withClient(poolStatus),
			},
			{
				Name:      "estimate",
				Usage:     "score a request for N nodes",
				ArgsUsage: "<min_cpus>",
				Flags:     clientFlags,
				Action:    withClient(poolEstimate),
			},
			{
				Name:      "deploy",
				Usage:     "start a server on N nodes",
				ArgsUsage: "<name> <min_cpus>",
				Flags:     clientFlags,
				Action:    withClient(poolDeploy),
			},
			{
				Name:      "release",
				Usage:     "stop a server and free its nodes",
				ArgsUsage: "<handle-id>",
				Flags:     clientFlags,
				Action:    withClient(poolRelease),
			},
			{
				Name:  "watch",
				Usage: "stream pool events until interrupted",
				Flags: append(clientFlags, &cli.StringFlag{
					Name:  "handle",
					Usage: "only events for this handle id",
				}),
				Action: withClient(poolWatch),
			},
		},
	}
}

type clientAction func(c *cli.Context, client *grpcserver.Client) error

// withClient dials the allocator with the token attached to every call.
func withClient(action clientAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		conn, err := grpc.NewClient(c.String("addr"),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(grpcserver.TokenCredentials{Token: c.String("token")}),
		)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", c.String("addr"), err)
		}
		defer conn.Close()
		return action(c, grpcserver.NewClient(conn))
	}
}

func callContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func printMessage(w io.Writer, m proto.Message) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func cpuArg(c *cli.Context, i int) (int, error) {
	n, err := strconv.Atoi(c.Args().Get(i))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("min_cpus must be a positive integer, got %q", c.Args().Get(i))
	}
	return n, nil
}

func poolStatus(c *cli.Context, client *grpcserver.Client) error {
	ctx, cancel := callContext(c)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	return printMessage(c.App.Writer, st)
}

func poolEstimate(c *cli.Context, client *grpcserver.Client) error {
	n, err := cpuArg(c, 0)
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"min_cpus": n})
	if err != nil {
		return err
	}

	ctx, cancel := callContext(c)
	defer cancel()

	resp, err := client.Estimate(ctx, req)
	if err != nil {
		return err
	}
	return printMessage(c.App.Writer, resp)
}

func poolDeploy(c *cli.Context, client *grpcserver.Client) error {
	name := c.Args().Get(0)
	if name == "" {
		return errors.New("name is required")
	}
	n, err := cpuArg(c, 1)
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{
		"name":    name,
		"request": map[string]any{"min_cpus": n},
	})
	if err != nil {
		return err
	}

	ctx, cancel := callContext(c)
	defer cancel()

	handle, err := client.Deploy(ctx, in)
	if err != nil {
		return err
	}
	return printMessage(c.App.Writer, handle)
}

func poolRelease(c *cli.Context, client *grpcserver.Client) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("handle id is required")
	}

	ctx, cancel := callContext(c)
	defer cancel()

	if err := client.Release(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "released %s\n", id)
	return nil
}

func poolWatch(c *cli.Context, client *grpcserver.Client) error {
	watcher, err := client.WatchPool(c.Context, c.String("handle"))
	if err != nil {
		return err
	}
	for {
		event, err := watcher.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if c.Context.Err() != nil {
				return nil
			}
			return err
		}
		data, err := protojson.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(data))
	}
}
