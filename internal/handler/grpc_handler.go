package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
	"github.com/pesio-ai/be-gl-closing/internal/service"
)

// ClosingServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct messages.
const ClosingServiceName = "pesio.gl.closing.v1.ClosingService"

const userIDMetadataKey = "x-user-id"

// ClosingServiceServer is the server side of ClosingService.
type ClosingServiceServer interface {
	CreateProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProcedures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(ClosingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, fn structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ClosingServiceServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ClosingServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// ClosingServiceDesc describes ClosingService for grpc.Server.RegisterService.
var ClosingServiceDesc = grpc.ServiceDesc{
	ServiceName: ClosingServiceName,
	HandlerType: (*ClosingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateProcedure", ClosingServiceServer.CreateProcedure),
		unaryMethod("GetProcedure", ClosingServiceServer.GetProcedure),
		unaryMethod("ListProcedures", ClosingServiceServer.ListProcedures),
		unaryMethod("StartProcedure", ClosingServiceServer.StartProcedure),
		unaryMethod("ResumeProcedure", ClosingServiceServer.ResumeProcedure),
		unaryMethod("CompleteStep", ClosingServiceServer.CompleteStep),
		unaryMethod("RetryStep", ClosingServiceServer.RetryStep),
		unaryMethod("ApproveProcedure", ClosingServiceServer.ApproveProcedure),
		unaryMethod("RejectProcedure", ClosingServiceServer.RejectProcedure),
		unaryMethod("CancelProcedure", ClosingServiceServer.CancelProcedure),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "closing/v1/closing.proto",
}

// GRPCHandler implements the ClosingService gRPC interface
type GRPCHandler struct {
	service *service.ProcedureOrchestrator
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.ProcedureOrchestrator, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds ClosingService to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&ClosingServiceDesc, h)
}

// userID extracts the acting user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(userIDMetadataKey); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func requireUser(ctx context.Context) (string, error) {
	user := userID(ctx)
	if user == "" {
		return "", mapErrorToGRPC(errors.InvalidInput(userIDMetadataKey, "metadata is required"))
	}
	return user, nil
}

// CreateProcedure materializes a procedure from a closure type.
func (h *GRPCHandler) CreateProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	h.logger.Info().
		Str("company_id", str(in, "company_id")).
		Str("closure_type", str(in, "closure_type")).
		Msg("gRPC CreateProcedure called")

	period, err := parsePeriod(str(in, "period_start"), str(in, "period_end"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	p, err := h.service.CreateProcedure(ctx, service.CreateProcedureRequest{
		CompanyID:   str(in, "company_id"),
		ClosureType: str(in, "closure_type"),
		Period:      period,
	}, user)
	return h.reply("CreateProcedure", p, err)
}

// GetProcedure retrieves a procedure with its audit trail.
func (h *GRPCHandler) GetProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req.AsMap(), "id")
	h.logger.Debug().Str("id", id).Msg("gRPC GetProcedure called")

	view, err := h.service.Get(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(view)
}

// ListProcedures lists procedures without their steps.
func (h *GRPCHandler) ListProcedures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	filter := repository.ListFilter{
		CompanyID: str(in, "company_id"),
		State:     closing.ProcedureState(str(in, "state")),
		Limit:     num(in, "limit"),
		Offset:    num(in, "offset"),
	}
	procedures, err := h.service.List(ctx, filter)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"procedures": procedures, "count": len(procedures)})
}

// StartProcedure starts a planned procedure.
func (h *GRPCHandler) StartProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	id := str(req.AsMap(), "id")
	h.logger.Info().Str("id", id).Str("user_id", user).Msg("gRPC StartProcedure called")

	p, err := h.service.Start(ctx, id, user)
	return h.reply("StartProcedure", p, err)
}

// ResumeProcedure re-runs pending automatic steps of a running procedure.
func (h *GRPCHandler) ResumeProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	id := str(req.AsMap(), "id")
	h.logger.Info().Str("id", id).Str("user_id", user).Msg("gRPC ResumeProcedure called")

	p, err := h.service.Resume(ctx, id, user)
	return h.reply("ResumeProcedure", p, err)
}

// CompleteStep records a manual step outcome.
func (h *GRPCHandler) CompleteStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	p, err := h.service.CompleteManualStep(ctx, str(in, "id"), str(in, "step_id"), user, service.ManualOutcome{
		State:   closing.StepState(str(in, "state")),
		Message: str(in, "message"),
	})
	return h.reply("CompleteStep", p, err)
}

// RetryStep re-runs a failed automatic step.
func (h *GRPCHandler) RetryStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	p, err := h.service.RetryStep(ctx, str(in, "id"), str(in, "step_id"), user)
	return h.reply("RetryStep", p, err)
}

// ApproveProcedure approves a procedure awaiting approval.
func (h *GRPCHandler) ApproveProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	h.logger.Info().Str("id", str(in, "id")).Str("approver", user).Msg("gRPC ApproveProcedure called")

	p, err := h.service.Approve(ctx, str(in, "id"), user, str(in, "comment"))
	return h.reply("ApproveProcedure", p, err)
}

// RejectProcedure rejects a procedure awaiting approval.
func (h *GRPCHandler) RejectProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	h.logger.Info().Str("id", str(in, "id")).Str("approver", user).Msg("gRPC RejectProcedure called")

	p, err := h.service.Reject(ctx, str(in, "id"), user, str(in, "comment"))
	return h.reply("RejectProcedure", p, err)
}

// CancelProcedure hard-stops a running procedure.
func (h *GRPCHandler) CancelProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	p, err := h.service.Cancel(ctx, str(in, "id"), user, str(in, "reason"))
	return h.reply("CancelProcedure", p, err)
}

// ── Helper functions ──────────────────────────────────────────────────────────

func (h *GRPCHandler) reply(method string, p *closing.Procedure, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(p)
}

// toStruct converts v to a Struct through its JSON form, so wire field names
// match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	return out, nil
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok && v > 0 {
		return int(v)
	}
	return 0
}

// mapErrorToGRPC maps service errors to gRPC status errors
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(errors.GRPCCode(err), err.Error())
}
