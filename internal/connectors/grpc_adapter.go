package connectors

/*
Межузловой релей команд поверх gRPC.
Узел, на котором крутится пайплайн, может не держать сокет нужного расширения:
тогда конверт уходит по gRPC на узел-владелец, тот отдает его в свой Hub и возвращает результат.

Сервис описан вручную (browserops.relay.v1.CommandRelay/Deliver), сообщения — google.protobuf.Struct.
*/

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	RelayServiceName   = "browserops.relay.v1.CommandRelay"
	RelayDeliverMethod = "/" + RelayServiceName + "/Deliver"
	RelayTokenHeader   = "x-relay-token"
)

// RelayServer — серверная сторона сервиса
type RelayServer interface {
	Deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "browserops/relay/v1/relay.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RelayDeliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// UnaryAuthInterceptor проверяет общий токен релея в метаданных gRPC вызова
func UnaryAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		// В gRPC заголовки в нижнем регистре
		tokens := md.Get(RelayTokenHeader)
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing relay token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return nil, status.Errorf(codes.PermissionDenied, "invalid relay token")
		}
		return handler(ctx, req)
	}
}

// Relay отдает пришедшие конверты в локальный транспорт узла
type Relay struct {
	local  Transport
	logger *zap.Logger
}

func NewRelay(local Transport, logger *zap.Logger) *Relay {
	return &Relay{local: local, logger: logger.With(zap.String("mod", "relay"))}
}

// Register вешает сервис на gRPC-сервер
func (s *Relay) Register(srv *grpc.Server) {
	srv.RegisterService(&RelayServiceDesc, s)
}

func (s *Relay) Deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	instanceID := in.GetFields()["instance_id"].GetStringValue()
	if instanceID == "" {
		return nil, status.Error(codes.InvalidArgument, "instance_id is required")
	}
	var env domain.CommandEnvelope
	if err := fromStruct(in.GetFields()["envelope"].GetStructValue(), &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "envelope: %v", err)
	}

	res, err := s.local.Send(ctx, instanceID, env)
	if err != nil {
		s.logger.Warn("relayed command failed", zap.String("request_id", env.RequestID), zap.Error(err))
		return nil, toStatus(err)
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// GRPCAdapter — клиент релея, реализует Transport
type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	token   string
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, token string) *GRPCAdapter {
	return &GRPCAdapter{conn: conn, token: token, timeout: 2 * time.Minute}
}

// DialRelay подключается к релею другого узла (внутренняя сеть, без TLS)
func DialRelay(addr, token string, opts ...grpc.DialOption) (*GRPCAdapter, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	return NewGRPCAdapter(conn, token), nil
}

func (a *GRPCAdapter) Close() error {
	if c, ok := a.conn.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (a *GRPCAdapter) Send(ctx context.Context, instanceID string, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	envelope, err := toStruct(env)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"instance_id": structpb.NewStringValue(instanceID),
		"envelope":    structpb.NewStructValue(envelope),
	}}

	// Защитный предел на уровне вызова, основной таймаут задает диспетчер
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, RelayTokenHeader, a.token)

	out := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, RelayDeliverMethod, in, out); err != nil {
		return nil, fromStatus(err)
	}
	var res domain.CommandResult
	if err := fromStruct(out, &res); err != nil {
		return nil, fmt.Errorf("%w: decode relay result: %v", domain.ErrDeliveryFailed, err)
	}
	return &res, nil
}

func toStatus(err error) error {
	var tErr *ThrottleError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.As(err, &tErr):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrNotConnected):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

func fromStatus(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: time.Second, Cause: errors.New(st.Message())}
	case codes.NotFound:
		return fmt.Errorf("%w: %w: %s", domain.ErrDeliveryFailed, ErrNotConnected, st.Message())
	}
	return fmt.Errorf("%w: connector call failed: %s", domain.ErrDeliveryFailed, st.Message())
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("empty struct")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
