package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/core/service"
)

const (
	OutboxAdminServiceName = "supermarket.admin.v1.OutboxAdmin"
	jsonCodecName          = "json"
)

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec carries the admin messages as JSON, selected by the
// application/grpc+json content subtype.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return jsonCodecName }

type StatsRequest struct {
	FailedLimit int `json:"failed_limit"`
}

type ProcessNowRequest struct{}

type RequeueRequest struct {
	EventID int64 `json:"event_id"`
}

type RequeueResponse struct {
	EventID  int64 `json:"event_id"`
	Requeued bool  `json:"requeued"`
}

// ListEventsRequest filters by status when Status is set.
type ListEventsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// OutboxAdminServer is the server API of the outbox admin service.
type OutboxAdminServer interface {
	Stats(context.Context, *StatsRequest) (*OutboxStatsResponse, error)
	ProcessNow(context.Context, *ProcessNowRequest) (*service.CycleResult, error)
	Requeue(context.Context, *RequeueRequest) (*RequeueResponse, error)
	ListEvents(context.Context, *ListEventsRequest) (*OutboxEventsResponse, error)
}

type GRPCHandler struct {
	outbox OutboxAdmin
	logger *zap.Logger
}

func NewGRPCHandler(outbox OutboxAdmin, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{outbox: outbox, logger: logger}
}

func (h *GRPCHandler) Stats(ctx context.Context, req *StatsRequest) (*OutboxStatsResponse, error) {
	report, err := h.outbox.Status(ctx, req.FailedLimit)
	if err != nil {
		return nil, h.grpcError(err)
	}
	resp := NewOutboxStatsResponse(report)
	return &resp, nil
}

func (h *GRPCHandler) ProcessNow(ctx context.Context, _ *ProcessNowRequest) (*service.CycleResult, error) {
	res, err := h.outbox.ProcessNow(ctx)
	if err != nil {
		return nil, h.grpcError(err)
	}
	return &res, nil
}

func (h *GRPCHandler) Requeue(ctx context.Context, req *RequeueRequest) (*RequeueResponse, error) {
	if req.EventID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "event_id must be positive")
	}
	if err := h.outbox.Requeue(ctx, req.EventID); err != nil {
		return nil, h.grpcError(err)
	}
	return &RequeueResponse{EventID: req.EventID, Requeued: true}, nil
}

func (h *GRPCHandler) ListEvents(ctx context.Context, req *ListEventsRequest) (*OutboxEventsResponse, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and offset must be non-negative")
	}
	st, err := domain.ParseOutboxStatus(req.Status)
	if err != nil {
		return nil, h.grpcError(err)
	}
	page, err := h.outbox.ListEvents(ctx, st, req.Limit, req.Offset)
	if err != nil {
		return nil, h.grpcError(err)
	}
	resp := NewOutboxEventsResponse(page)
	return &resp, nil
}

func (h *GRPCHandler) grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	h.logger.Error("admin rpc failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

// RegisterGRPCServer registers the admin service and the standard health
// service. The returned health server lets the caller flip serving status on
// shutdown.
func RegisterGRPCServer(s *grpc.Server, h OutboxAdminServer) *health.Server {
	s.RegisterService(&outboxAdminServiceDesc, h)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(OutboxAdminServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// UnaryLogger logs every unary call with its code and latency.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

var outboxAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: OutboxAdminServiceName,
	HandlerType: (*OutboxAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "ProcessNow", Handler: processNowHandler},
		{MethodName: "Requeue", Handler: requeueHandler},
		{MethodName: "ListEvents", Handler: listEventsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supermarket/admin/v1/outbox_admin",
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OutboxAdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + OutboxAdminServiceName + "/Stats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OutboxAdminServer).Stats(ctx, req.(*StatsRequest))
	})
}

func processNowHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProcessNowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OutboxAdminServer).ProcessNow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + OutboxAdminServiceName + "/ProcessNow"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OutboxAdminServer).ProcessNow(ctx, req.(*ProcessNowRequest))
	})
}

func requeueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RequeueRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OutboxAdminServer).Requeue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + OutboxAdminServiceName + "/Requeue"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OutboxAdminServer).Requeue(ctx, req.(*RequeueRequest))
	})
}

func listEventsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListEventsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OutboxAdminServer).ListEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + OutboxAdminServiceName + "/ListEvents"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OutboxAdminServer).ListEvents(ctx, req.(*ListEventsRequest))
	})
}

// OutboxAdminClient calls the admin service over an existing connection.
type OutboxAdminClient struct {
	cc grpc.ClientConnInterface
}

func NewOutboxAdminClient(cc grpc.ClientConnInterface) *OutboxAdminClient {
	return &OutboxAdminClient{cc: cc}
}

func (c *OutboxAdminClient) Stats(ctx context.Context, in *StatsRequest) (*OutboxStatsResponse, error) {
	out := new(OutboxStatsResponse)
	if err := c.invoke(ctx, "Stats", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxAdminClient) ProcessNow(ctx context.Context) (*service.CycleResult, error) {
	out := new(service.CycleResult)
	if err := c.invoke(ctx, "ProcessNow", &ProcessNowRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxAdminClient) Requeue(ctx context.Context, eventID int64) (*RequeueResponse, error) {
	out := new(RequeueResponse)
	if err := c.invoke(ctx, "Requeue", &RequeueRequest{EventID: eventID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxAdminClient) ListEvents(ctx context.Context, in *ListEventsRequest) (*OutboxEventsResponse, error) {
	out := new(OutboxEventsResponse)
	if err := c.invoke(ctx, "ListEvents", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxAdminClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, "/"+OutboxAdminServiceName+"/"+method, in, out, grpc.CallContentSubtype(jsonCodecName))
}
