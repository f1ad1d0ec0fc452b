// Package resolve picks a live address for a backend before a connection is
// attempted.
package resolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
)

// Resolver resolves host names and checks reachability.
type Resolver interface {
	// Resolve returns the addresses (IPs) of host.
	Resolve(ctx context.Context, host string) ([]string, error)
	// ValidateReachable checks that address (host:port) accepts connections
	// within timeout.
	ValidateReachable(ctx context.Context, address string, timeout time.Duration) error
}

// NetResolver is the default Resolver backed by the operating system.
type NetResolver struct {
	Resolver *net.Resolver
	Dialer   *net.Dialer
}

// Default returns a NetResolver using the system resolver.
func Default() *NetResolver {
	return &NetResolver{Resolver: net.DefaultResolver, Dialer: &net.Dialer{}}
}

// Resolve implements Resolver
func (r *NetResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := r.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to resolve %s", host))
	}
	return addrs, nil
}

// ValidateReachable implements Resolver with a TCP dial.
func (r *NetResolver) ValidateReachable(ctx context.Context, address string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := r.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s is not reachable", address))
	}
	return conn.Close()
}

// PickLive resolves hostport and returns the first address that is
// reachable, as host:port.
func PickLive(ctx context.Context, r Resolver, hostport string, timeout time.Duration) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("invalid address %q", hostport))
	}
	addrs, err := r.Resolve(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.Newf(errors.ErrorTypeConnection, "%s resolved to no addresses", host)
	}

	var lastErr error
	for _, addr := range addrs {
		candidate := net.JoinHostPort(addr, port)
		if err := r.ValidateReachable(ctx, candidate, timeout); err != nil {
			logger.Debug("address not reachable",
				zap.String("host", host), zap.String("address", candidate), zap.Error(err))
			lastErr = err
			continue
		}
		return candidate, nil
	}
	return "", errors.Wrap(lastErr, errors.ErrorTypeConnection, fmt.Sprintf("no reachable address for %s", hostport))
}
