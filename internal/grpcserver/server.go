// Package grpcserver exposes session grants, deductions, and balances to internal callers over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "sessionledger.v1.SessionLedger"

	methodGetBalance               = "GetBalance"
	methodGrantSessionsForCart     = "GrantSessionsForCart"
	methodProcessSessionDeductions = "ProcessSessionDeductions"

	errorInvalidArgument = "invalid_argument"
)

// Ledger is the ledger surface served over gRPC.
type Ledger interface {
	Balance(ctx context.Context, userID ledger.UserID) (int64, error)
	GrantSessionsForCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID, trigger ledger.TriggerSource) (ledger.GrantResult, error)
	ProcessSessionDeductions(ctx context.Context) (ledger.DeductionReport, error)
}

// SessionLedgerService is the handler contract registered under ServiceName.
type SessionLedgerService interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GrantSessionsForCart(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ProcessSessionDeductions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionLedgerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, SessionLedgerService.GetBalance)},
		{MethodName: methodGrantSessionsForCart, Handler: unaryHandler(methodGrantSessionsForCart, SessionLedgerService.GrantSessionsForCart)},
		{MethodName: methodProcessSessionDeductions, Handler: unaryHandler(methodProcessSessionDeductions, SessionLedgerService.ProcessSessionDeductions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sessionledger/v1/ledger.proto",
}

// SessionLedgerServer adapts the ledger service to gRPC.
type SessionLedgerServer struct {
	ledger Ledger
}

// NewSessionLedgerServer constructs a gRPC server for the ledger service.
func NewSessionLedgerServer(ledgerService Ledger) *SessionLedgerServer {
	return &SessionLedgerServer{ledger: ledgerService}
}

// Register attaches the ledger and health services to registrar.
func Register(registrar grpc.ServiceRegistrar, server SessionLedgerService) {
	registrar.RegisterService(&serviceDesc, server)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(registrar, healthServer)
}

// NewServer builds a grpc.Server with request logging and the ledger services registered.
func NewServer(ledgerService Ledger, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	Register(server, NewSessionLedgerServer(ledgerService))
	return server
}

// Serve runs server on listener until ctx is cancelled.
func Serve(ctx context.Context, server *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc server listening", zap.String("addr", listener.Addr().String()))
		errCh <- server.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (server *SessionLedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	rawUserID, err := int64Field(request, "userId")
	if err != nil {
		return nil, err
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.ledger.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		"userId":            float64(userID.Int64()),
		"availableSessions": float64(balance),
	})
}

func (server *SessionLedgerServer) GrantSessionsForCart(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	rawCartID, err := int64Field(request, "cartId")
	if err != nil {
		return nil, err
	}
	rawUserID, err := int64Field(request, "userId")
	if err != nil {
		return nil, err
	}
	trigger, err := ledger.ParseTriggerSource(request.GetFields()["trigger"].GetStringValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.ledger.GrantSessionsForCart(ctx, ledger.CartID(rawCartID), ledger.UserID(rawUserID), trigger)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		"granted":          result.Granted,
		"sessionsAdded":    float64(result.SessionsAdded),
		"alreadyProcessed": result.AlreadyProcessed,
	})
}

func (server *SessionLedgerServer) ProcessSessionDeductions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, operationError := server.ledger.ProcessSessionDeductions(ctx)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	noCredits := make([]any, 0, len(report.NoCredits))
	for _, session := range report.NoCredits {
		noCredits = append(noCredits, map[string]any{
			"clientId":   float64(session.ClientID.Int64()),
			"sessionId":  float64(session.SessionID.Int64()),
			"clientName": session.ClientName,
		})
	}
	failures := make([]any, 0, len(report.Errors))
	for _, failure := range report.Errors {
		failures = append(failures, map[string]any{
			"sessionId": float64(failure.SessionID.Int64()),
			"reason":    failure.Reason,
		})
	}
	return newStruct(map[string]any{
		"processed": float64(report.Processed),
		"deducted":  float64(report.Deducted),
		"noCredits": noCredits,
		"errors":    failures,
	})
}

func unaryHandler(method string, call func(SessionLedgerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(service any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		ledgerService := service.(SessionLedgerService)
		if interceptor == nil {
			return call(ledgerService, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: service, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(ledgerService, ctx, request.(*structpb.Struct))
		})
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Warn("grpc request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc request", fields...)
		}
		return response, err
	}
}

func int64Field(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: missing %s", errorInvalidArgument, name))
	}
	number := value.GetNumberValue()
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber || number != math.Trunc(number) {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %s must be an integer", errorInvalidArgument, name))
	}
	return int64(number), nil
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

var grpcCodeByLedgerCode = map[ledger.ErrorCode]codes.Code{
	ledger.CodeClientNotFound:          codes.NotFound,
	ledger.CodePackageNotFound:         codes.NotFound,
	ledger.CodeCartNotFound:            codes.NotFound,
	ledger.CodeStripeCustomerNotFound:  codes.NotFound,
	ledger.CodeInvalidInput:            codes.InvalidArgument,
	ledger.CodeForceReasonRequired:     codes.InvalidArgument,
	ledger.CodeInvalidRole:             codes.FailedPrecondition,
	ledger.CodePackageInactive:         codes.FailedPrecondition,
	ledger.CodePackageHasNoPrice:       codes.FailedPrecondition,
	ledger.CodeNoSessionsInPackage:     codes.FailedPrecondition,
	ledger.CodePaymentNotCompleted:     codes.FailedPrecondition,
	ledger.CodeDuplicatePaymentWindow:  codes.AlreadyExists,
	ledger.CodeDuplicateIdempotencyKey: codes.AlreadyExists,
	ledger.CodeModelsUnavailable:       codes.Unavailable,
	ledger.CodeStripeOwnershipMismatch: codes.PermissionDenied,
}

func mapToGRPCError(source error) error {
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	code, ok := ledger.CodeOf(source)
	if !ok {
		return status.Error(codes.Internal, source.Error())
	}
	grpcCode, mapped := grpcCodeByLedgerCode[code]
	if !mapped {
		grpcCode = codes.Internal
	}
	return status.Error(grpcCode, fmt.Sprintf("%s: %s", code, source.Error()))
}
