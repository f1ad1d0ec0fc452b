package resolve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

type staticResolver struct {
	addrs     []string
	reachable map[string]bool
}

func (s staticResolver) Resolve(context.Context, string) ([]string, error) {
	return s.addrs, nil
}

func (s staticResolver) ValidateReachable(_ context.Context, address string, _ time.Duration) error {
	if s.reachable[address] {
		return nil
	}
	return errors.New(errors.ErrorTypeConnection, "refused")
}

func TestPickLiveSkipsUnreachable(t *testing.T) {
	r := staticResolver{
		addrs:     []string{"10.0.0.1", "10.0.0.2"},
		reachable: map[string]bool{"10.0.0.2:5432": true},
	}
	addr, err := PickLive(context.Background(), r, "db.internal:5432", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:5432", addr)
}

func TestPickLiveNoneReachable(t *testing.T) {
	r := staticResolver{addrs: []string{"10.0.0.1"}}
	_, err := PickLive(context.Background(), r, "db.internal:5432", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestPickLiveRejectsBadAddress(t *testing.T) {
	_, err := PickLive(context.Background(), staticResolver{}, "no-port", time.Second)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNetResolverAgainstLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	addr, err := PickLive(context.Background(), Default(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), addr)
}
