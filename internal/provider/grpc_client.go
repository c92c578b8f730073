package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	_ "github.com/openinspect/supervisord/internal/grpcjson" // registers the "json" codec
	"github.com/openinspect/supervisord/internal/providerpb"
)

const serviceName = "/provider.Provider"

// Provider is the narrow interface this system talks to the external
// sandbox-provider substrate through. The substrate itself (VM/container
// orchestration, filesystem snapshotting) is out of scope; this interface
// is the only contract this repository depends on.
type Provider interface {
	Create(ctx context.Context, req providerpb.CreateRequest) (providerpb.CreateReply, error)
	Exec(ctx context.Context, handle string, args ...string) (providerpb.ExecReply, error)
	Wait(ctx context.Context, handle string) (int32, error)
	Snapshot(ctx context.Context, handle string) (string, error)
	Destroy(ctx context.Context, handle string) error
}

// GRPCProvider implements Provider over a gRPC connection to the
// provider's fleet-manager service, using a JSON wire codec (see
// internal/grpcjson) so no .proto compilation step is required in this
// repository.
type GRPCProvider struct {
	conn *grpc.ClientConn
}

// DialGRPCProvider connects to the provider's gRPC endpoint.
func DialGRPCProvider(ctx context.Context, address string, insecureTransport bool) (*GRPCProvider, error) {
	var opts []grpc.DialOption
	if insecureTransport {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: dial %s: %w", address, err)
	}

	return &GRPCProvider{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (p *GRPCProvider) Close() error {
	return p.conn.Close()
}

func (p *GRPCProvider) Create(ctx context.Context, req providerpb.CreateRequest) (providerpb.CreateReply, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	var reply providerpb.CreateReply
	err := p.conn.Invoke(ctx, serviceName+"/Create", &req, &reply, grpc.CallContentSubtype("json"))
	return reply, err
}

func (p *GRPCProvider) Exec(ctx context.Context, handle string, args ...string) (providerpb.ExecReply, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	var reply providerpb.ExecReply
	req := providerpb.ExecRequest{ProviderHandle: handle, Args: args}
	err := p.conn.Invoke(ctx, serviceName+"/Exec", &req, &reply, grpc.CallContentSubtype("json"))
	return reply, err
}

// Wait is excluded from the default call timeout: a build sandbox may run
// for up to BuildSandboxTimeoutSeconds, so Wait is bounded only by the
// caller's context.
func (p *GRPCProvider) Wait(ctx context.Context, handle string) (int32, error) {
	var reply providerpb.WaitReply
	req := providerpb.WaitRequest{ProviderHandle: handle}
	err := p.conn.Invoke(ctx, serviceName+"/Wait", &req, &reply, grpc.CallContentSubtype("json"))
	return reply.ExitCode, err
}

func (p *GRPCProvider) Snapshot(ctx context.Context, handle string) (string, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	var reply providerpb.SnapshotReply
	req := providerpb.SnapshotRequest{ProviderHandle: handle}
	err := p.conn.Invoke(ctx, serviceName+"/Snapshot", &req, &reply, grpc.CallContentSubtype("json"))
	return reply.ImageID, err
}

func (p *GRPCProvider) Destroy(ctx context.Context, handle string) error {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	var reply providerpb.DestroyReply
	req := providerpb.DestroyRequest{ProviderHandle: handle}
	return p.conn.Invoke(ctx, serviceName+"/Destroy", &req, &reply, grpc.CallContentSubtype("json"))
}

// defaultCallTimeout bounds provider RPCs that don't otherwise carry a
// caller-supplied deadline (e.g. a best-effort Destroy during cleanup).
const defaultCallTimeout = 30 * time.Second

// withCallTimeout applies defaultCallTimeout unless ctx already carries a
// deadline, so callers with their own budget aren't overridden.
func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultCallTimeout)
}
