package orders

import (
	"context"
	"testing"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

type fakeVenue struct {
	pending []models.Order
	history []models.Order
	detail  map[string]*models.Order
}

func (f *fakeVenue) ListPendingOrders(_ context.Context, _ int) ([]models.Order, error) {
	return f.pending, nil
}

func (f *fakeVenue) ListOrderHistory(_ context.Context, _ models.Side, _ int) ([]models.Order, error) {
	return f.history, nil
}

func (f *fakeVenue) GetOrderDetail(_ context.Context, orderNumber string) (*models.Order, error) {
	if d, ok := f.detail[orderNumber]; ok {
		return d, nil
	}
	return nil, db.ErrNotFound
}

type fakeOrderStore struct {
	saved         map[string]*models.Order
	stepCounts    map[int64]int
	counterpartys map[int64]string
	nextID        int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		saved:         make(map[string]*models.Order),
		stepCounts:    make(map[int64]int),
		counterpartys: make(map[int64]string),
	}
}

func (f *fakeOrderStore) SaveOrder(_ context.Context, _ db.MerchantContext, o *models.Order) (*models.Order, bool, error) {
	if existing, ok := f.saved[o.OrderNumber]; ok {
		existing.Status = o.Status
		return existing, false, nil
	}
	f.nextID++
	saved := *o
	saved.ID = f.nextID
	f.saved[o.OrderNumber] = &saved
	return &saved, true, nil
}

func (f *fakeOrderStore) UpdateOrderCounterparty(_ context.Context, _ db.MerchantContext, orderID int64, realName, _ string) error {
	f.counterpartys[orderID] = realName
	return nil
}

func (f *fakeOrderStore) CountVerificationSteps(_ context.Context, orderID int64) (int, error) {
	return f.stepCounts[orderID], nil
}

func (f *fakeOrderStore) TouchEngineActivity(_ context.Context, _ db.MerchantContext, _ string) error {
	return nil
}

type fakeOrderVerifier struct {
	handled []models.Order
}

func (f *fakeOrderVerifier) HandleOrderPaid(_ context.Context, _ db.MerchantContext, order *models.Order) {
	f.handled = append(f.handled, *order)
}

func venueOrder(number string, status models.OrderStatus) models.Order {
	return models.Order{
		OrderNumber: number,
		Side:        models.SideSell,
		Asset:       "USDT",
		Fiat:        "MXN",
		Status:      status,
	}
}

func TestTickOnce_MergesPendingAndHistory(t *testing.T) {
	// ORD-1 appears in both listings; the pending snapshot must win and
	// the order must only be reconciled once
	venue := &fakeVenue{
		pending: []models.Order{venueOrder("ORD-1", models.StatusTrading)},
		history: []models.Order{
			venueOrder("ORD-1", models.StatusCompleted),
			venueOrder("ORD-2", models.StatusCompleted),
		},
	}
	store := newFakeOrderStore()
	verifier := &fakeOrderVerifier{}

	o := NewOrchestrator(models.Merchant{ID: 1, Name: "desk"}, venue, store, verifier)
	if err := o.tickOnce(context.Background()); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	if len(store.saved) != 2 {
		t.Fatalf("Expected 2 mirrored orders, got %d", len(store.saved))
	}
	if store.saved["ORD-1"].Status != models.StatusTrading {
		t.Errorf("Expected pending snapshot to win for ORD-1, got %s", store.saved["ORD-1"].Status)
	}
}

func TestTickOnce_PaidOrderTriggersVerification(t *testing.T) {
	paid := venueOrder("ORD-P", models.StatusBuyerPayed)
	detail := paid
	detail.BuyerRealName = "JUAN PEREZ GARCIA"
	detail.BuyerUserNo = "u77"

	venue := &fakeVenue{
		pending: []models.Order{paid},
		detail:  map[string]*models.Order{"ORD-P": &detail},
	}
	store := newFakeOrderStore()
	verifier := &fakeOrderVerifier{}

	o := NewOrchestrator(models.Merchant{ID: 1, Name: "desk"}, venue, store, verifier)
	if err := o.tickOnce(context.Background()); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	if len(verifier.handled) != 1 {
		t.Fatalf("Expected one verification hand-off, got %d", len(verifier.handled))
	}
	// The KYC name from the detail call must reach the verifier
	if verifier.handled[0].BuyerRealName != "JUAN PEREZ GARCIA" {
		t.Errorf("Expected KYC real name on the handed-off order, got %q", verifier.handled[0].BuyerRealName)
	}
	if store.counterpartys[store.saved["ORD-P"].ID] != "JUAN PEREZ GARCIA" {
		t.Errorf("Expected counterparty persisted, got %q", store.counterpartys[store.saved["ORD-P"].ID])
	}
}

func TestTickOnce_ExistingTimelineSkipsVerifier(t *testing.T) {
	paid := venueOrder("ORD-P", models.StatusBuyerPayed)
	venue := &fakeVenue{pending: []models.Order{paid}}
	store := newFakeOrderStore()
	verifier := &fakeOrderVerifier{}

	o := NewOrchestrator(models.Merchant{ID: 1, Name: "desk"}, venue, store, verifier)

	// Seed the order and give it a timeline
	if err := o.tickOnce(context.Background()); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	store.stepCounts[store.saved["ORD-P"].ID] = 3
	before := len(verifier.handled)

	if err := o.tickOnce(context.Background()); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if len(verifier.handled) != before {
		t.Errorf("Expected no new hand-off for an order already under verification")
	}
}

func TestTickOnce_UnpaidOrdersAreOnlyMirrored(t *testing.T) {
	venue := &fakeVenue{pending: []models.Order{venueOrder("ORD-T", models.StatusTrading)}}
	store := newFakeOrderStore()
	verifier := &fakeOrderVerifier{}

	o := NewOrchestrator(models.Merchant{ID: 1, Name: "desk"}, venue, store, verifier)
	if err := o.tickOnce(context.Background()); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	if len(verifier.handled) != 0 {
		t.Errorf("Expected no verification for a TRADING order, got %d", len(verifier.handled))
	}
	if _, ok := store.saved["ORD-T"]; !ok {
		t.Error("Expected the TRADING order to be mirrored")
	}
}
