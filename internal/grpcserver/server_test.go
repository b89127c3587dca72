package grpcserver

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubLedger struct {
	balance      int64
	balanceErr   error
	grantResult  ledger.GrantResult
	grantErr     error
	grantCart    ledger.CartID
	grantTrigger ledger.TriggerSource
	report       ledger.DeductionReport
}

func (stub *stubLedger) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	return stub.balance, stub.balanceErr
}

func (stub *stubLedger) GrantSessionsForCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID, trigger ledger.TriggerSource) (ledger.GrantResult, error) {
	stub.grantCart = cartID
	stub.grantTrigger = trigger
	return stub.grantResult, stub.grantErr
}

func (stub *stubLedger) ProcessSessionDeductions(ctx context.Context) (ledger.DeductionReport, error) {
	return stub.report, nil
}

func startServer(test *testing.T, stub *stubLedger) *grpc.ClientConn {
	test.Helper()
	listener := bufconn.Listen(1 << 20)
	server := NewServer(stub, zap.NewNop())
	go func() { _ = server.Serve(listener) }()
	test.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGetBalanceRoundTrip(test *testing.T) {
	test.Parallel()
	conn := startServer(test, &stubLedger{balance: 4})
	balance, err := NewClient(conn).Balance(context.Background(), 7)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		test.Fatalf("expected 4, got %d", balance)
	}
}

func TestGrantSessionsForCartRoundTrip(test *testing.T) {
	test.Parallel()
	stub := &stubLedger{grantResult: ledger.GrantResult{Granted: true, SessionsAdded: 10}}
	conn := startServer(test, stub)
	result, err := NewClient(conn).GrantSessionsForCart(context.Background(), 21, 7, ledger.TriggerAdmin)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !result.Granted || result.SessionsAdded != 10 || result.AlreadyProcessed {
		test.Fatalf("unexpected result %+v", result)
	}
	if stub.grantCart != 21 || stub.grantTrigger != ledger.TriggerAdmin {
		test.Fatalf("unexpected forwarded grant cart=%d trigger=%s", stub.grantCart, stub.grantTrigger)
	}
}

func TestProcessSessionDeductionsRoundTrip(test *testing.T) {
	test.Parallel()
	stub := &stubLedger{report: ledger.DeductionReport{
		Processed: 3,
		Deducted:  1,
		NoCredits: []ledger.NoCreditSession{{ClientID: 7, SessionID: 31, ClientName: "Ada Lovelace"}},
		Errors:    []ledger.DeductionFailure{{SessionID: 32, Reason: "lock timeout"}},
	}}
	conn := startServer(test, stub)
	report, err := NewClient(conn).ProcessSessionDeductions(context.Background())
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if report.Processed != 3 || report.Deducted != 1 || len(report.NoCredits) != 1 || len(report.Errors) != 1 {
		test.Fatalf("unexpected report %+v", report)
	}
	if report.NoCredits[0].ClientName != "Ada Lovelace" || report.Errors[0].SessionID != 32 {
		test.Fatalf("unexpected report entries %+v", report)
	}
}

func TestErrorsMapToStatusCodes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{name: "cart missing", err: ledger.ErrCartNotFound, wantCode: codes.NotFound},
		{name: "invalid role", err: fmt.Errorf("%w: role trainer", ledger.ErrInvalidRole), wantCode: codes.FailedPrecondition},
		{name: "tables missing", err: ledger.ErrModelsUnavailable, wantCode: codes.Unavailable},
		{name: "invalid cart", err: ledger.ErrInvalidCartID, wantCode: codes.InvalidArgument},
		{name: "unclassified", err: fmt.Errorf("boom"), wantCode: codes.Internal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			conn := startServer(test, &stubLedger{grantErr: testCase.err})
			_, err := NewClient(conn).GrantSessionsForCart(context.Background(), 21, 7, ledger.TriggerWebhook)
			if status.Code(err) != testCase.wantCode {
				test.Fatalf("expected %s, got %v", testCase.wantCode, err)
			}
		})
	}
}

func TestRejectsNonIntegerFields(test *testing.T) {
	test.Parallel()
	conn := startServer(test, &stubLedger{})
	request, err := structpb.NewStruct(map[string]any{"userId": "seven"})
	if err != nil {
		test.Fatalf("struct: %v", err)
	}
	err = conn.Invoke(context.Background(), "/"+ServiceName+"/"+methodGetBalance, request, new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected InvalidArgument, got %v", err)
	}

	_, err = NewClient(conn).GrantSessionsForCart(context.Background(), 21, 7, ledger.TriggerSource("cron"))
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected InvalidArgument for unknown trigger, got %v", err)
	}
}

func TestHealthServiceReportsServing(test *testing.T) {
	test.Parallel()
	conn := startServer(test, &stubLedger{})
	response, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		test.Fatalf("health: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("unexpected health status %s", response.GetStatus())
	}
}
