package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type memoryCart struct {
	cart              Cart
	grantedBy         TriggerSource
	completedAt       time.Time
	checkoutSessionID string
}

type memoryOrder struct {
	summary   OrderSummary
	input     OrderInput
	packageID PackageID
}

type memoryState struct {
	clients      map[UserID]Client
	packages     map[PackageID]Package
	carts        map[CartID]memoryCart
	sessions     map[SessionID]BookedSession
	orders       []memoryOrder
	orderItems   []OrderItemInput
	transactions []FinancialTransactionInput
	nextID       int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		clients:  map[UserID]Client{},
		packages: map[PackageID]Package{},
		carts:    map[CartID]memoryCart{},
		sessions: map[SessionID]BookedSession{},
		nextID:   1000,
	}
}

func (state *memoryState) clone() *memoryState {
	cloned := newMemoryState()
	for key, value := range state.clients {
		cloned.clients[key] = value
	}
	for key, value := range state.packages {
		cloned.packages[key] = value
	}
	for key, value := range state.carts {
		value.cart.Lines = append([]CartLine(nil), value.cart.Lines...)
		cloned.carts[key] = value
	}
	for key, value := range state.sessions {
		cloned.sessions[key] = value
	}
	cloned.orders = append([]memoryOrder(nil), state.orders...)
	cloned.orderItems = append([]OrderItemInput(nil), state.orderItems...)
	cloned.transactions = append([]FinancialTransactionInput(nil), state.transactions...)
	cloned.nextID = state.nextID
	return cloned
}

// stubStore is an in-memory Store with copy-on-commit transactions and a call recorder.
type stubStore struct {
	test      *testing.T
	txMutex   *sync.Mutex
	mu        *sync.Mutex
	state     **memoryState
	txState   *memoryState
	calls     *[]string
	failures  map[string]error
	modelsErr error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := newMemoryState()
	return &stubStore{
		test:     test,
		txMutex:  &sync.Mutex{},
		mu:       &sync.Mutex{},
		state:    &state,
		calls:    &[]string{},
		failures: map[string]error{},
	}
}

func (store *stubStore) current() *memoryState {
	if store.txState != nil {
		return store.txState
	}
	return *store.state
}

func (store *stubStore) record(name string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	*store.calls = append(*store.calls, name)
	return store.failures[name]
}

func (store *stubStore) recordedCalls() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]string(nil), *store.calls...)
}

func (store *stubStore) called(name string) bool {
	for _, call := range store.recordedCalls() {
		if call == name {
			return true
		}
	}
	return false
}

func (store *stubStore) snapshot() *memoryState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*store.state).clone()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := store.record("WithTx"); err != nil {
		return err
	}
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mu.Lock()
	working := (*store.state).clone()
	store.mu.Unlock()
	transactionStore := *store
	transactionStore.txState = working
	if err := fn(ctx, &transactionStore); err != nil {
		return err
	}
	store.mu.Lock()
	*store.state = working
	store.mu.Unlock()
	return nil
}

func (store *stubStore) ModelsAvailable(context.Context) error {
	if err := store.record("ModelsAvailable"); err != nil {
		return err
	}
	return store.modelsErr
}

func (store *stubStore) LockCart(_ context.Context, cartID CartID, userID UserID) (Cart, error) {
	if err := store.record("LockCart"); err != nil {
		return Cart{}, err
	}
	stored, ok := store.current().carts[cartID]
	if !ok || stored.cart.UserID != userID {
		return Cart{}, WrapError("store", "cart", "lock", ErrCartNotFound)
	}
	return stored.cart, nil
}

func (store *stubStore) CompleteCart(_ context.Context, completion CartCompletion) error {
	if err := store.record("CompleteCart"); err != nil {
		return err
	}
	state := store.current()
	stored := state.carts[completion.CartID]
	stored.cart.SessionsGranted = true
	stored.cart.Status = CartStatusCompleted
	stored.grantedBy = completion.GrantedBy
	stored.completedAt = completion.CompletedAt
	state.carts[completion.CartID] = stored
	return nil
}

func (store *stubStore) CreateCart(_ context.Context, input CartInput) (CartID, error) {
	if err := store.record("CreateCart"); err != nil {
		return 0, err
	}
	state := store.current()
	state.nextID++
	cartID := CartID(state.nextID)
	pkg := state.packages[input.PackageID]
	state.carts[cartID] = memoryCart{
		cart: Cart{
			ID:              cartID,
			UserID:          input.UserID,
			Status:          CartStatusCompleted,
			SessionsGranted: true,
			Lines:           []CartLine{{Quantity: input.Quantity, Package: &pkg}},
		},
		grantedBy:   input.GrantedBy,
		completedAt: input.CompletedAt,
	}
	return cartID, nil
}

func (store *stubStore) CartForCheckoutSession(_ context.Context, checkoutSessionID string) (CartRef, error) {
	if err := store.record("CartForCheckoutSession"); err != nil {
		return CartRef{}, err
	}
	for _, stored := range store.current().carts {
		if stored.checkoutSessionID == checkoutSessionID {
			return CartRef{CartID: stored.cart.ID, UserID: stored.cart.UserID}, nil
		}
	}
	return CartRef{}, ErrCartNotFound
}

func (store *stubStore) GetClient(_ context.Context, userID UserID) (Client, error) {
	if err := store.record("GetClient"); err != nil {
		return Client{}, err
	}
	client, ok := store.current().clients[userID]
	if !ok {
		return Client{}, WrapError("store", "user", "get", ErrClientNotFound)
	}
	return client, nil
}

func (store *stubStore) LockClient(_ context.Context, userID UserID) (Client, error) {
	if err := store.record("LockClient"); err != nil {
		return Client{}, err
	}
	client, ok := store.current().clients[userID]
	if !ok {
		return Client{}, WrapError("store", "user", "lock", ErrClientNotFound)
	}
	return client, nil
}

func (store *stubStore) IncrementAvailableSessions(_ context.Context, userID UserID, sessions int64) error {
	if err := store.record("IncrementAvailableSessions"); err != nil {
		return err
	}
	state := store.current()
	client := state.clients[userID]
	client.AvailableSessions += sessions
	state.clients[userID] = client
	return nil
}

func (store *stubStore) DecrementAvailableSessions(_ context.Context, userID UserID, sessions int64) error {
	if err := store.record("DecrementAvailableSessions"); err != nil {
		return err
	}
	state := store.current()
	client := state.clients[userID]
	if client.AvailableSessions < sessions {
		store.test.Errorf("decrement below zero for user %d", userID)
	}
	client.AvailableSessions -= sessions
	state.clients[userID] = client
	return nil
}

func (store *stubStore) RecordPurchase(context.Context, UserID, time.Time) error {
	return store.record("RecordPurchase")
}

func (store *stubStore) UpdateRole(_ context.Context, userID UserID, role Role) error {
	if err := store.record("UpdateRole"); err != nil {
		return err
	}
	state := store.current()
	client := state.clients[userID]
	client.Role = role
	state.clients[userID] = client
	return nil
}

func (store *stubStore) ListClientsWithoutCredits(_ context.Context, roles []Role) ([]Client, error) {
	if err := store.record("ListClientsWithoutCredits"); err != nil {
		return nil, err
	}
	allowed := map[Role]bool{}
	for _, role := range roles {
		allowed[role] = true
	}
	clients := []Client{}
	for _, client := range store.current().clients {
		if allowed[client.Role] && client.AvailableSessions <= 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(left, right int) bool { return clients[left].ID < clients[right].ID })
	return clients, nil
}

func (store *stubStore) GetPackage(_ context.Context, packageID PackageID) (Package, error) {
	if err := store.record("GetPackage"); err != nil {
		return Package{}, err
	}
	pkg, ok := store.current().packages[packageID]
	if !ok {
		return Package{}, WrapError("store", "package", "get", ErrPackageNotFound)
	}
	return pkg, nil
}

func (store *stubStore) ListDeductibleSessions(_ context.Context, before time.Time) ([]BookedSession, error) {
	if err := store.record("ListDeductibleSessions"); err != nil {
		return nil, err
	}
	sessions := []BookedSession{}
	for _, session := range store.current().sessions {
		if isDeductible(session) && session.SessionDate.Before(before) {
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (store *stubStore) LockDeductibleSessions(_ context.Context, userID UserID, sessionIDs []SessionID) ([]BookedSession, error) {
	if err := store.record("LockDeductibleSessions"); err != nil {
		return nil, err
	}
	state := store.current()
	sessions := []BookedSession{}
	for _, sessionID := range sessionIDs {
		session, ok := state.sessions[sessionID]
		if ok && session.UserID == userID && isDeductible(session) {
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (store *stubStore) CompleteSession(_ context.Context, sessionID SessionID, deducted bool, _ time.Time, note string) error {
	if err := store.record("CompleteSession"); err != nil {
		return err
	}
	state := store.current()
	session := state.sessions[sessionID]
	session.Status = SessionStatusCompleted
	session.Deducted = deducted
	session.Notes = note
	state.sessions[sessionID] = session
	return nil
}

func (store *stubStore) ListUpcomingSessions(_ context.Context, userID UserID, after time.Time) ([]BookedSession, error) {
	if err := store.record("ListUpcomingSessions"); err != nil {
		return nil, err
	}
	sessions := []BookedSession{}
	for _, session := range store.current().sessions {
		if session.UserID == userID && isDeductible(session) && session.SessionDate.After(after) {
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (store *stubStore) FindRecentOrder(_ context.Context, userID UserID, packageID PackageID, since time.Time) (OrderSummary, bool, error) {
	if err := store.record("FindRecentOrder"); err != nil {
		return OrderSummary{}, false, err
	}
	var latest *memoryOrder
	for index := range store.current().orders {
		order := store.current().orders[index]
		if order.input.UserID != userID || order.packageID != packageID || order.summary.CompletedAt.Before(since) {
			continue
		}
		if latest == nil || order.summary.CompletedAt.After(latest.summary.CompletedAt) {
			latest = &order
		}
	}
	if latest == nil {
		return OrderSummary{}, false, nil
	}
	return latest.summary, true, nil
}

func (store *stubStore) FindOrderByIdempotencyToken(_ context.Context, token IdempotencyToken) (OrderSummary, bool, error) {
	if err := store.record("FindOrderByIdempotencyToken"); err != nil {
		return OrderSummary{}, false, err
	}
	for _, order := range store.current().orders {
		if !token.IsZero() && order.input.IdempotencyToken == token {
			return order.summary, true, nil
		}
	}
	return OrderSummary{}, false, nil
}

func (store *stubStore) LastCompletedPackage(_ context.Context, userID UserID) (LastPackage, bool, error) {
	if err := store.record("LastCompletedPackage"); err != nil {
		return LastPackage{}, false, err
	}
	state := store.current()
	for index := len(state.orders) - 1; index >= 0; index-- {
		order := state.orders[index]
		if order.input.UserID != userID {
			continue
		}
		pkg, ok := state.packages[order.packageID]
		if !ok {
			continue
		}
		return LastPackage{Package: pkg, OrderNumber: order.summary.OrderNumber, PurchasedAt: order.summary.CompletedAt}, true, nil
	}
	return LastPackage{}, false, nil
}

func (store *stubStore) CreateOrder(_ context.Context, input OrderInput) (OrderSummary, error) {
	if err := store.record("CreateOrder"); err != nil {
		return OrderSummary{}, err
	}
	state := store.current()
	for _, order := range state.orders {
		if !input.IdempotencyToken.IsZero() && order.input.IdempotencyToken == input.IdempotencyToken {
			return OrderSummary{}, WrapError("store", "order", "duplicate", ErrDuplicateIdempotencyKey)
		}
	}
	state.nextID++
	summary := OrderSummary{
		ID:               OrderID(state.nextID),
		OrderNumber:      input.OrderNumber,
		PaymentReference: input.PaymentReference,
		CompletedAt:      input.CompletedAt,
	}
	var packageID PackageID
	if stored, ok := state.carts[input.CartID]; ok && len(stored.cart.Lines) > 0 && stored.cart.Lines[0].Package != nil {
		packageID = stored.cart.Lines[0].Package.ID
	}
	state.orders = append(state.orders, memoryOrder{summary: summary, input: input, packageID: packageID})
	return summary, nil
}

func (store *stubStore) CreateOrderItem(_ context.Context, input OrderItemInput) error {
	if err := store.record("CreateOrderItem"); err != nil {
		return err
	}
	state := store.current()
	state.orderItems = append(state.orderItems, input)
	return nil
}

func (store *stubStore) CreateFinancialTransaction(_ context.Context, input FinancialTransactionInput) error {
	if err := store.record("CreateFinancialTransaction"); err != nil {
		return err
	}
	if store.txState == nil {
		store.mu.Lock()
		defer store.mu.Unlock()
	}
	state := store.current()
	state.transactions = append(state.transactions, input)
	return nil
}

func isDeductible(session BookedSession) bool {
	if session.Deducted || session.UserID == 0 {
		return false
	}
	for _, status := range DeductibleSessionStatuses() {
		if session.Status == status {
			return true
		}
	}
	return false
}

func sortSessions(sessions []BookedSession) {
	sort.Slice(sessions, func(left, right int) bool {
		if sessions[left].SessionDate.Equal(sessions[right].SessionDate) {
			return sessions[left].ID < sessions[right].ID
		}
		return sessions[left].SessionDate.Before(sessions[right].SessionDate)
	})
}

func (store *stubStore) addClient(client Client) {
	(*store.state).clients[client.ID] = client
}

func (store *stubStore) addPackage(pkg Package) {
	(*store.state).packages[pkg.ID] = pkg
}

func (store *stubStore) addCart(cart Cart, checkoutSessionID string) {
	(*store.state).carts[cart.ID] = memoryCart{cart: cart, checkoutSessionID: checkoutSessionID}
}

func (store *stubStore) addSession(session BookedSession) {
	(*store.state).sessions[session.ID] = session
}
