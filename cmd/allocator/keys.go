package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/urfave/cli/v2"

	"github.com/narvanalabs/mpi-allocator/internal/secrets"
)

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "manage the age keys that protect the SSH private key",
		Subcommands: []*cli.Command{
			{
				Name:   "generate",
				Usage:  "print a new age key pair as environment assignments",
				Action: generateKeys,
			},
			{
				Name:      "encrypt",
				Usage:     "encrypt an SSH private key for MPIALLOC_SSH_KEY_FILE",
				ArgsUsage: "<private-key-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "public-key",
						Usage:    "age recipient (age1...)",
						EnvVars:  []string{"AGE_PUBLIC_KEY"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "output file; defaults to <private-key-file>.age",
					},
				},
				Action: encryptKey,
			},
		},
	}
}

func generateKeys(c *cli.Context) error {
	pub, priv, err := secrets.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "AGE_PUBLIC_KEY=%s\nAGE_PRIVATE_KEY=%s\n", pub, priv)
	return nil
}

func encryptKey(c *cli.Context) error {
	in := c.Args().First()
	if in == "" {
		return errors.New("private key file is required")
	}
	out := c.String("out")
	if out == "" {
		out = in + ".age"
	}

	vault, err := secrets.NewKeyVault(&secrets.Config{AgePublicKey: c.String("public-key")}, nil)
	if err != nil {
		return err
	}

	plain, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("reading %s: %w", in, err)
	}
	if secrets.IsEncrypted(plain) {
		return fmt.Errorf("%s is already encrypted", in)
	}

	ciphertext, err := vault.Encrypt(plain)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(out, ciphertext, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	fmt.Fprintf(c.App.Writer, "wrote %s\n", out)
	return nil
}
