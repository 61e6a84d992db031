package reasoning

import (
	"context"
	"fmt"

	"github.com/ashureev/autoshell/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// grpcService exposes a Backend as the Reasoner gRPC service.
type grpcService struct {
	backend Backend
}

// RegisterGrpcService registers backend and a health service on s, so one
// daemon can act as the reasoning engine for others.
func RegisterGrpcService(s *grpc.Server, backend Backend) *health.Server {
	svc := &grpcService{backend: backend}
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: reasonerService,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Propose", Handler: svc.unary(svc.propose)},
			{MethodName: "Suggest", Handler: svc.unary(svc.suggest)},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: streamSuggestName, ServerStreams: true, Handler: svc.streamSuggest},
		},
	}, svc)

	hs := health.NewServer()
	hs.SetServingStatus(reasonerService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

type structHandler func(ctx context.Context, in map[string]any) (map[string]any, error)

func (s *grpcService) unary(fn structHandler) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in.AsMap())
		if err != nil {
			out = map[string]any{"error": err.Error()}
		}
		return structpb.NewStruct(out)
	}
}

func (s *grpcService) propose(ctx context.Context, in map[string]any) (map[string]any, error) {
	req := Request{
		SessionID: stringField(in, "session_id"),
		Query:     stringField(in, "query"),
	}
	if env, ok := in["context"].(map[string]any); ok {
		req.Context = environmentFromFields(env)
	}
	if history, ok := in["history"].([]any); ok {
		for _, item := range history {
			entry, _ := item.(map[string]any)
			req.History = append(req.History, domain.HistoryEntry{
				Role:    domain.Role(stringField(entry, "role")),
				Content: stringField(entry, "content"),
			})
		}
	}

	action, err := s.backend.Propose(ctx, req)
	if err != nil {
		return nil, err
	}
	return actionFields(action), nil
}

func (s *grpcService) suggest(ctx context.Context, in map[string]any) (map[string]any, error) {
	env, _ := in["context"].(map[string]any)
	cmd, err := s.backend.Suggest(ctx, stringField(in, "query"), environmentFromFields(env))
	if err != nil {
		return nil, err
	}
	return map[string]any{"command": cmd}, nil
}

func (s *grpcService) streamSuggest(_ any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	fields := in.AsMap()
	env, _ := fields["context"].(map[string]any)

	for chunk, err := range s.backend.StreamSuggest(stream.Context(), stringField(fields, "query"), environmentFromFields(env)) {
		if err != nil {
			return fmt.Errorf("stream suggestion: %w", err)
		}
		msg, err := structpb.NewStruct(map[string]any{"chunk": chunk})
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func actionFields(a domain.Action) map[string]any {
	fields := map[string]any{"action": string(a.Kind())}
	switch v := a.(type) {
	case domain.Execute:
		fields["command"] = v.Command
	case domain.ReadFile:
		fields["path"] = v.Path
	case domain.WriteFile:
		fields["path"] = v.Path
		fields["content"] = v.Content
	case domain.AskUser:
		fields["question"] = v.Question
	case domain.Done:
		fields["message"] = v.Message
	case domain.Error:
		fields["message"] = v.Message
	case domain.Unknown:
		fields["raw"] = v.Raw
	}
	return fields
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
