package commands

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/clients/api"
	"github.com/dohr-michael/mal/internal/config"
	"github.com/dohr-michael/mal/internal/heartbeat"
)

// heartbeatMaxAge is how old a heartbeat may be before the daemon is considered gone.
const heartbeatMaxAge = 3 * heartbeat.DefaultInterval

// gatewayURL resolves the daemon address: --addr, then the heartbeat of a
// running daemon, then the configured listen address.
func gatewayURL(cmd *cli.Command) (string, error) {
	if addr := cmd.String("addr"); addr != "" {
		return addr, nil
	}
	if status, hb, err := heartbeat.Check(config.HeartbeatPath(), heartbeatMaxAge); err == nil &&
		status == heartbeat.StatusAlive && hb.URL != "" {
		return hb.URL, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return listenURL(cfg.Gateway.Host, cfg.Gateway.Port), nil
}

// listenURL is the URL a local client uses to reach a server bound to host:port.
func listenURL(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func newAPIClient(cmd *cli.Command) (*api.Client, error) {
	base, err := gatewayURL(cmd)
	if err != nil {
		return nil, err
	}
	return api.New(base, nil), nil
}

// requireArg returns the first positional argument, or a usage error.
func requireArg(cmd *cli.Command, usage string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("usage: mal %s", usage)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
