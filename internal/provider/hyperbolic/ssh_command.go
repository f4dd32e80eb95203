package hyperbolic

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSSHCommand splits a command like
// "ssh ubuntu@host.hyperbolic.xyz -p 31564" into user, host and port.
// The port defaults to 22 when -p is absent.
func ParseSSHCommand(cmd string) (user, host string, port int, err error) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != "ssh" {
		return "", "", 0, fmt.Errorf("invalid ssh command %q", cmd)
	}

	port = 22
	for i := 1; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-p":
			if i+1 >= len(fields) {
				return "", "", 0, fmt.Errorf("missing port in ssh command %q", cmd)
			}
			p, convErr := strconv.Atoi(fields[i+1])
			if convErr != nil || p <= 0 || p > 65535 {
				return "", "", 0, fmt.Errorf("invalid port in ssh command %q", cmd)
			}
			port = p
			i++
		case strings.Contains(f, "@"):
			u, h, _ := strings.Cut(f, "@")
			if u == "" || h == "" {
				return "", "", 0, fmt.Errorf("invalid destination in ssh command %q", cmd)
			}
			user, host = u, h
		}
	}

	if host == "" {
		return "", "", 0, fmt.Errorf("no user@host in ssh command %q", cmd)
	}
	return user, host, port, nil
}
