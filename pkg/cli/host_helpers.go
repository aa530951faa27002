package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"flydelta/pkg/client"
)

const (
	defaultClientHost = "localhost"
	defaultClientPort = 8815
)

// addServerFlags defines the flags that locate a server for client commands.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("host", "H", defaultClientHost, "Server host")
	cmd.Flags().IntP("port", "p", defaultClientPort, "Server port")
	cmd.Flags().String("location", "", "Server location (grpc://host:port); overrides --host and --port")
}

// serverLocation resolves the server location from the command's flags.
func serverLocation(cmd *cobra.Command) (string, error) {
	if loc, _ := cmd.Flags().GetString("location"); loc != "" {
		if _, err := client.ParseLocation(loc); err != nil {
			return "", err
		}
		return loc, nil
	}
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	return locationFor(host, port)
}

func locationFor(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("invalid host %q: host cannot be empty", host)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %d: must be between 1 and 65535", port)
	}
	return "grpc://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}
