package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Requires a running etcd; set ETCD_ENDPOINTS=127.0.0.1:2379 to enable.
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}

	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reg.Close()

	ctx := context.Background()
	service := "test-" + time.Now().Format("150405.000000")

	inst1 := Instance{Addr: "http://127.0.0.1:8001", Weight: 10, Model: "gemma3:27b"}
	inst2 := Instance{Addr: "http://127.0.0.1:8002", Weight: 5}

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	require.ElementsMatch(t, []Instance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))

	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Equal(t, []Instance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst2.Addr))
}
