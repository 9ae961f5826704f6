package testutil

import (
	"context"
	"net"
	"testing"

	"debugbar_relay/internal/panel"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// StartPanelServer serves registry over an in-memory listener and returns a
// client connection to it. Both are torn down with the test.
func StartPanelServer(t *testing.T, registry *panel.Registry) *grpc.ClientConn {
	t.Helper()

	ln := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	panel.RegisterService(server, registry)
	go func() {
		_ = server.Serve(ln)
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial panel server: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = ln.Close()
	})
	return conn
}
