package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/mal/internal/config"
	"github.com/dohr-michael/mal/internal/heartbeat"
	"github.com/dohr-michael/mal/internal/secrets"
)

// tokenKey is the .env entry holding the model hub token.
const tokenKey = "HF_TOKEN"

// NewTokenCommand returns the token subcommand.
func NewTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage the model hub access token",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store the token encrypted in the .env file",
				ArgsUsage: "[token]",
				Action:    runTokenSet,
			},
		},
	}
}

func readToken(cmd *cli.Command) (string, error) {
	if v := cmd.Args().First(); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("usage: mal token set <token>")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runTokenSet(_ context.Context, cmd *cli.Command) error {
	token, err := readToken(cmd)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}

	if err := os.MkdirAll(config.MALPath(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	kr := secrets.NewKeyring(secrets.KeyPath(config.MALPath()))
	if err := secrets.SealEntry(config.DotenvPath(), tokenKey, token, kr); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fmt.Printf("Token stored encrypted in %s.\n", config.DotenvPath())

	// A running daemon reloads .env on SIGHUP.
	status, hb, err := heartbeat.Check(config.HeartbeatPath(), heartbeatMaxAge)
	if err != nil || status != heartbeat.StatusAlive {
		return nil
	}
	proc, err := os.FindProcess(hb.PID)
	if err == nil {
		err = proc.Signal(syscall.SIGHUP)
	}
	if err != nil {
		fmt.Printf("Could not notify the daemon (PID %d): %v. Restart it to use the new token.\n", hb.PID, err)
		return nil
	}
	fmt.Printf("Daemon (PID %d) notified.\n", hb.PID)
	return nil
}
