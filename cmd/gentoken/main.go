// Package main mints bearer tokens for the allocator API.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/narvanalabs/mpi-allocator/internal/auth"
)

func main() {
	app := &cli.App{
		Name:  "gentoken",
		Usage: "mint an allocator bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "principal id; becomes the server owner", Value: os.Getenv("USER")},
			&cli.StringFlag{Name: "role", Usage: "owner or member", Value: string(auth.RoleMember)},
			&cli.StringFlag{Name: "public-key-file", Usage: "SSH public key handed to deployed servers"},
			&cli.StringFlag{Name: "secret", Usage: "JWT secret", EnvVars: []string{"JWT_SECRET"}},
			&cli.DurationFlag{Name: "expiry", Usage: "token lifetime", Value: 24 * time.Hour},
		},
		Action: generate,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func generate(c *cli.Context) error {
	secret := c.String("secret")
	if secret == "" {
		return errors.New("JWT secret required: use --secret or set JWT_SECRET")
	}
	if len(secret) < 32 {
		return errors.New("JWT secret must be at least 32 characters")
	}
	if c.String("user") == "" {
		return errors.New("--user is required")
	}

	role, err := auth.ParseRole(c.String("role"))
	if err != nil {
		return err
	}

	var publicKey string
	if path := c.String("public-key-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading public key: %w", err)
		}
		publicKey = strings.TrimSpace(string(data))
	}

	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(secret),
		TokenExpiry: c.Duration("expiry"),
	}, nil)
	token, err := svc.GenerateToken(c.String("user"), role, publicKey)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(c.App.Writer, token)
	return nil
}
