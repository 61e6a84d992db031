package reasoning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	reasonerService           = "autoshell.reasoning.v1.Reasoner"
	methodPropose             = "/" + reasonerService + "/Propose"
	methodSuggest             = "/" + reasonerService + "/Suggest"
	methodStreamSuggest       = "/" + reasonerService + "/StreamSuggest"
	streamSuggestName         = "StreamSuggest"
	defaultGrpcReasonerTarget = "localhost:50051"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRemoteReasoner           = errors.New("remote reasoner returned error")
	errServiceNotServing        = errors.New("remote reasoner is not serving")
)

var streamSuggestDesc = &grpc.StreamDesc{StreamName: streamSuggestName, ServerStreams: true}

// GrpcClientConfig holds configuration for the gRPC reasoning client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          defaultGrpcReasonerTarget,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient implements Backend against a remote reasoning service.
// Payloads are google.protobuf.Struct messages, so no generated stubs are
// needed on either side.
type GrpcClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Backend = (*GrpcClient)(nil)

// NewGrpcClient dials the reasoning service and waits until it is ready.
// Extra dial options are appended to the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoner client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reasoner at %s not ready: %w", cfg.Address, err)
	}

	c := &GrpcClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}
	logger.Info("Connected to reasoning service", "address", cfg.Address)
	return c, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service for the reasoner. A peer
// without the health service is treated as healthy.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: reasonerService})
	if status.Code(err) == codes.Unimplemented {
		return nil
	}
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errServiceNotServing, resp.GetStatus())
	}
	return nil
}

// Propose asks the remote reasoner for the next action.
func (c *GrpcClient) Propose(ctx context.Context, req Request) (domain.Action, error) {
	in, err := structpb.NewStruct(requestFields(req))
	if err != nil {
		return nil, fmt.Errorf("encode propose request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodPropose, in, out); err != nil {
		c.logger.Error("Propose failed", "error", err, "session_id", req.SessionID)
		return nil, fmt.Errorf("propose request failed: %w", err)
	}

	fields := out.AsMap()
	if msg, _ := fields["error"].(string); msg != "" {
		return nil, fmt.Errorf("%w: %s", errRemoteReasoner, msg)
	}
	tag, _ := fields["action"].(string)
	raw, _ := out.MarshalJSON()
	return domain.ActionFromFields(tag, fields, string(raw)), nil
}

// Suggest asks the remote reasoner for one shell command.
func (c *GrpcClient) Suggest(ctx context.Context, query string, env domain.Environment) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"query": query, "context": environmentFields(env)})
	if err != nil {
		return "", fmt.Errorf("encode suggest request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodSuggest, in, out); err != nil {
		return "", fmt.Errorf("suggest request failed: %w", err)
	}
	fields := out.AsMap()
	if msg, _ := fields["error"].(string); msg != "" {
		return "", fmt.Errorf("%w: %s", errRemoteReasoner, msg)
	}
	cmd, _ := fields["command"].(string)
	if cmd == "" {
		return "", ErrNoCommand
	}
	return cmd, nil
}

// StreamSuggest streams suggestion chunks from the remote reasoner.
func (c *GrpcClient) StreamSuggest(ctx context.Context, query string, env domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		in, err := structpb.NewStruct(map[string]any{"query": query, "context": environmentFields(env)})
		if err != nil {
			yield("", fmt.Errorf("encode stream request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, streamSuggestDesc, methodStreamSuggest)
		if err != nil {
			yield("", fmt.Errorf("stream request failed: %w", err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield("", fmt.Errorf("send stream request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close stream send: %w", err))
			return
		}

		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("suggest stream error: %w", err))
				return
			}
			chunk, _ := msg.AsMap()["chunk"].(string)
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func requestFields(req Request) map[string]any {
	history := make([]any, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, map[string]any{"role": string(h.Role), "content": h.Content})
	}
	return map[string]any{
		"session_id": req.SessionID,
		"query":      req.Query,
		"context":    environmentFields(req.Context),
		"history":    history,
	}
}

func environmentFields(env domain.Environment) map[string]any {
	fields := map[string]any{
		"os":       env.OS,
		"shell":    env.Shell,
		"cwd":      env.Cwd,
		"user":     env.User,
		"hostname": env.Hostname,
	}
	if env.LastCommand != "" {
		fields["last_command"] = env.LastCommand
	}
	if env.LastExitCode != nil {
		fields["last_exit_code"] = float64(*env.LastExitCode)
	}
	return fields
}

func environmentFromFields(fields map[string]any) domain.Environment {
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}
	env := domain.Environment{
		OS:          str("os"),
		Shell:       str("shell"),
		Cwd:         str("cwd"),
		User:        str("user"),
		Hostname:    str("hostname"),
		LastCommand: str("last_command"),
	}
	if code, ok := fields["last_exit_code"].(float64); ok {
		c := int(code)
		env.LastExitCode = &c
	}
	return env
}
