package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote SessionLedger service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Balance returns the available sessions of userID.
func (client *Client) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	response, err := client.invoke(ctx, methodGetBalance, map[string]any{"userId": float64(userID.Int64())})
	if err != nil {
		return 0, err
	}
	return int64(response.GetFields()["availableSessions"].GetNumberValue()), nil
}

// GrantSessionsForCart asks the remote ledger to grant a paid cart.
func (client *Client) GrantSessionsForCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID, trigger ledger.TriggerSource) (ledger.GrantResult, error) {
	response, err := client.invoke(ctx, methodGrantSessionsForCart, map[string]any{
		"cartId":  float64(cartID.Int64()),
		"userId":  float64(userID.Int64()),
		"trigger": string(trigger),
	})
	if err != nil {
		return ledger.GrantResult{}, err
	}
	fields := response.GetFields()
	return ledger.GrantResult{
		Granted:          fields["granted"].GetBoolValue(),
		SessionsAdded:    int64(fields["sessionsAdded"].GetNumberValue()),
		AlreadyProcessed: fields["alreadyProcessed"].GetBoolValue(),
	}, nil
}

// ProcessSessionDeductions runs one remote deduction batch.
func (client *Client) ProcessSessionDeductions(ctx context.Context) (ledger.DeductionReport, error) {
	response, err := client.invoke(ctx, methodProcessSessionDeductions, map[string]any{})
	if err != nil {
		return ledger.DeductionReport{}, err
	}
	fields := response.GetFields()
	report := ledger.DeductionReport{
		Processed: int(fields["processed"].GetNumberValue()),
		Deducted:  int(fields["deducted"].GetNumberValue()),
	}
	for _, value := range fields["noCredits"].GetListValue().GetValues() {
		entry := value.GetStructValue().GetFields()
		report.NoCredits = append(report.NoCredits, ledger.NoCreditSession{
			ClientID:   ledger.UserID(entry["clientId"].GetNumberValue()),
			SessionID:  ledger.SessionID(entry["sessionId"].GetNumberValue()),
			ClientName: entry["clientName"].GetStringValue(),
		})
	}
	for _, value := range fields["errors"].GetListValue().GetValues() {
		entry := value.GetStructValue().GetFields()
		report.Errors = append(report.Errors, ledger.DeductionFailure{
			SessionID: ledger.SessionID(entry["sessionId"].GetNumberValue()),
			Reason:    entry["reason"].GetStringValue(),
		})
	}
	return report, nil
}

func (client *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response); err != nil {
		return nil, err
	}
	return response, nil
}
