package orders

import (
	"context"
	"log"
	"time"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// VenueClient is the slice of the exchange client the poller needs.
type VenueClient interface {
	ListPendingOrders(ctx context.Context, rows int) ([]models.Order, error)
	ListOrderHistory(ctx context.Context, side models.Side, rows int) ([]models.Order, error)
	GetOrderDetail(ctx context.Context, orderNumber string) (*models.Order, error)
}

// OrderStore is the persistence surface for snapshot reconciliation.
type OrderStore interface {
	SaveOrder(ctx context.Context, mc db.MerchantContext, o *models.Order) (*models.Order, bool, error)
	UpdateOrderCounterparty(ctx context.Context, mc db.MerchantContext, orderID int64, realName, userNo string) error
	CountVerificationSteps(ctx context.Context, orderID int64) (int, error)
	TouchEngineActivity(ctx context.Context, mc db.MerchantContext, engine string) error
}

// Verifier receives orders newly observed as paid.
type Verifier interface {
	HandleOrderPaid(ctx context.Context, mc db.MerchantContext, order *models.Order)
}

const (
	defaultTick = 10 * time.Second
	pollRows    = 50
)

// Orchestrator polls the exchange for one merchant, mirrors order
// snapshots locally, and hands newly-paid orders to the verifier. The
// venue may return the same order in consecutive ticks with unchanged
// fields; the upsert absorbs stale snapshots.
type Orchestrator struct {
	merchant models.Merchant
	mc       db.MerchantContext
	venue    VenueClient
	store    OrderStore
	verifier Verifier
	tick     time.Duration
}

func NewOrchestrator(merchant models.Merchant, venue VenueClient, store OrderStore, verifier Verifier) *Orchestrator {
	return &Orchestrator{
		merchant: merchant,
		mc:       db.MerchantContext{MerchantID: merchant.ID},
		venue:    venue,
		store:    store,
		verifier: verifier,
		tick:     defaultTick,
	}
}

// SetTick overrides the loop interval.
func (o *Orchestrator) SetTick(d time.Duration) { o.tick = d }

// Run drives the poll loop until the context is cancelled. A failed tick
// is logged and the loop continues.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("[Orders] Starting poller for merchant %d (%s)", o.merchant.ID, o.merchant.Name)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orders] Stopping poller for merchant %d", o.merchant.ID)
			return
		case <-ticker.C:
			if err := o.tickOnce(ctx); err != nil {
				log.Printf("[Orders] Merchant %d tick failed: %v", o.merchant.ID, err)
			}
		}
	}
}

func (o *Orchestrator) tickOnce(ctx context.Context) error {
	pending, err := o.venue.ListPendingOrders(ctx, pollRows)
	if err != nil {
		return err
	}

	// History captures recently completed/cancelled orders the pending
	// list no longer shows. A history failure does not lose the tick.
	history, err := o.venue.ListOrderHistory(ctx, models.SideSell, pollRows)
	if err != nil {
		log.Printf("[Orders] Merchant %d history fetch failed: %v", o.merchant.ID, err)
		history = nil
	}

	// Merge and deduplicate by order number; pending wins over history.
	merged := make([]models.Order, 0, len(pending)+len(history))
	seen := make(map[string]bool, len(pending))
	for _, order := range pending {
		seen[order.OrderNumber] = true
		merged = append(merged, order)
	}
	for _, order := range history {
		if !seen[order.OrderNumber] {
			merged = append(merged, order)
		}
	}

	// Steps below are serialized per order; ordering across orders
	// within a tick is arbitrary.
	for i := range merged {
		o.reconcileOrder(ctx, &merged[i])
	}

	_ = o.store.TouchEngineActivity(ctx, o.mc, "orders")
	return nil
}

func (o *Orchestrator) reconcileOrder(ctx context.Context, snapshot *models.Order) {
	saved, _, err := o.store.SaveOrder(ctx, o.mc, snapshot)
	if err != nil {
		log.Printf("[Orders] Merchant %d save order %s failed: %v", o.merchant.ID, snapshot.OrderNumber, err)
		return
	}

	if saved.Status != models.StatusBuyerPayed {
		return
	}
	steps, err := o.store.CountVerificationSteps(ctx, saved.ID)
	if err != nil || steps > 0 {
		return
	}

	// Newly-paid order with an empty timeline: capture the KYC real name
	// before verification — it anchors the payer-name check.
	if detail, err := o.venue.GetOrderDetail(ctx, saved.OrderNumber); err == nil {
		if detail.BuyerRealName != "" || detail.BuyerUserNo != "" {
			if err := o.store.UpdateOrderCounterparty(ctx, o.mc, saved.ID, detail.BuyerRealName, detail.BuyerUserNo); err != nil {
				log.Printf("[Orders] Merchant %d counterparty update for %s failed: %v", o.merchant.ID, saved.OrderNumber, err)
			}
			saved.BuyerRealName = detail.BuyerRealName
			if detail.BuyerUserNo != "" {
				saved.BuyerUserNo = detail.BuyerUserNo
			}
		}
	} else {
		log.Printf("[Orders] Merchant %d detail fetch for %s failed: %v", o.merchant.ID, saved.OrderNumber, err)
	}

	o.verifier.HandleOrderPaid(ctx, o.mc, saved)
}
