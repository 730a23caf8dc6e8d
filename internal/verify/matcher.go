package verify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const (
	// Orders and payments are reconciled within this window of the bank
	// timestamp.
	matchWindow = 120 * time.Minute
	// Amount tolerance, as a fraction of the order's total price.
	amountTolerance = "0.01"
	// Minimum name-similarity score for an automatic match.
	nameThreshold = 0.3
)

// Store is the persistence surface the verifier needs. Implemented by
// *db.PostgresStore; tests use an in-memory fake.
type Store interface {
	ListCandidateOrders(ctx context.Context, mc db.MerchantContext, amount decimal.Decimal,
		tolerancePercent float64, since, until time.Time, statuses []models.OrderStatus) ([]models.Order, error)
	GetOrderByID(ctx context.Context, mc db.MerchantContext, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, mc db.MerchantContext, orderNumber string) (*models.Order, error)
	CountVerificationSteps(ctx context.Context, orderID int64) (int, error)
	AppendVerificationStep(ctx context.Context, orderID int64, status models.VerificationStatus,
		message string, details map[string]interface{}) error
	AdvanceVerification(ctx context.Context, orderID int64,
		from []models.VerificationStatus, to models.VerificationStatus) (bool, error)
	MatchPaymentToOrder(ctx context.Context, mc db.MerchantContext, transactionID string,
		orderID int64, method models.VerificationMethod) (bool, error)
	GetPaymentByTransactionID(ctx context.Context, mc db.MerchantContext, transactionID string) (*models.Payment, error)
	ListUnmatchedPayments(ctx context.Context, mc db.MerchantContext,
		lo, hi decimal.Decimal, since, until time.Time) ([]models.Payment, error)
	DiscardPayment(ctx context.Context, mc db.MerchantContext, transactionID string) (bool, error)
	GetTrustedBuyer(ctx context.Context, mc db.MerchantContext, buyerUserNo string) (*models.TrustedBuyer, error)
	RecordTrustedAutoRelease(ctx context.Context, mc db.MerchantContext,
		buyerUserNo string, amount decimal.Decimal) error
	AppendAudit(ctx context.Context, mc db.MerchantContext, action, actor string,
		detail map[string]interface{}) error
}

// Event is broadcast to the dashboard stream on every state transition.
type Event struct {
	Type          string                    `json:"type"` // "verification_step"
	MerchantID    int64                     `json:"merchantId"`
	OrderID       int64                     `json:"orderId"`
	OrderNumber   string                    `json:"orderNumber"`
	Status        models.VerificationStatus `json:"status"`
	TransactionID string                    `json:"transactionId,omitempty"`
	Details       map[string]interface{}    `json:"details,omitempty"`
}

// Verifier owns the verification state machine. It is a passive
// reconciler: the webhook ingest and the order poller invoke it, it
// reads and writes the store and nothing else. It never propagates an
// unexpected failure — anything it cannot classify becomes a
// MANUAL_REVIEW step on the order.
type Verifier struct {
	store Store
	emit  func(Event) // optional dashboard broadcast
}

func NewVerifier(store Store, emit func(Event)) *Verifier {
	return &Verifier{store: store, emit: emit}
}

// step appends a timeline entry and broadcasts it. Appends are only
// reached after a successful status CAS, so a racing worker can never
// duplicate a transition.
func (v *Verifier) step(ctx context.Context, mc db.MerchantContext, order *models.Order,
	status models.VerificationStatus, message string, details map[string]interface{}) error {

	if err := v.store.AppendVerificationStep(ctx, order.ID, status, message, details); err != nil {
		return err
	}
	if v.emit != nil {
		v.emit(Event{
			Type:        "verification_step",
			MerchantID:  mc.MerchantID,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      status,
			Details:     details,
		})
	}
	return nil
}

// advance performs the CAS transition then appends the step. Returns
// false when another worker already performed this transition.
func (v *Verifier) advance(ctx context.Context, mc db.MerchantContext, order *models.Order,
	from []models.VerificationStatus, to models.VerificationStatus,
	message string, details map[string]interface{}) (bool, error) {

	ok, err := v.store.AdvanceVerification(ctx, order.ID, from, to)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, v.step(ctx, mc, order, to, message, details)
}

// HandlePayment is Trigger A: a completed deposit arrived from the
// webhook. It looks for a BUYER_PAYED order with a matching amount in
// the window, preferring trusted buyers, then payer-name candidates.
// A payment that matches nothing stays PENDING in the third-party queue.
func (v *Verifier) HandlePayment(ctx context.Context, mc db.MerchantContext, payment *models.Payment) {
	since := payment.BankTimestamp.Add(-matchWindow)
	until := payment.BankTimestamp.Add(matchWindow)

	candidates, err := v.store.ListCandidateOrders(ctx, mc, payment.Amount, 1.0, since, until,
		[]models.OrderStatus{models.StatusBuyerPayed})
	if err != nil {
		log.Printf("[Verifier] Candidate search failed for payment %s: %v", payment.TransactionID, err)
		return
	}
	if len(candidates) == 0 {
		log.Printf("[Verifier] Payment %s (%s %s) matched no open order, left in pending queue",
			payment.TransactionID, payment.Amount.StringFixed(2), payment.Currency)
		return
	}

	// Trusted-buyer shortcut first: match by the stable user number, not
	// the payer name.
	for i := range candidates {
		order := &candidates[i]
		if order.BuyerUserNo == "" {
			continue
		}
		buyer, err := v.store.GetTrustedBuyer(ctx, mc, order.BuyerUserNo)
		if err != nil {
			continue
		}
		v.matchTrusted(ctx, mc, payment, order, buyer)
		return
	}

	// Candidates arrive most-recent-first; take the first payer-name hit.
	for i := range candidates {
		order := &candidates[i]
		counterparty := order.BuyerRealName
		if counterparty == "" {
			counterparty = order.BuyerNickName
		}
		score := NameSimilarity(payment.SenderName, counterparty)
		if score < nameThreshold {
			continue
		}
		v.matchAuto(ctx, mc, payment, order, score)
		return
	}

	log.Printf("[Verifier] Payment %s from %q matched no counterparty name, left as third-party",
		payment.TransactionID, payment.SenderName)
}

// HandleOrderPaid is Trigger B: the order poller observed an order newly
// in BUYER_PAYED with no verification timeline yet.
func (v *Verifier) HandleOrderPaid(ctx context.Context, mc db.MerchantContext, order *models.Order) {
	count, err := v.store.CountVerificationSteps(ctx, order.ID)
	if err != nil {
		log.Printf("[Verifier] Timeline check failed for order %s: %v", order.OrderNumber, err)
		return
	}
	if count > 0 {
		return // already under verification
	}

	ok, err := v.advance(ctx, mc, order,
		[]models.VerificationStatus{models.VerifAwaitingPayment},
		models.VerifBuyerMarkedPaid,
		"Buyer marked the order as paid",
		map[string]interface{}{
			"expectedAmount": order.TotalPrice.StringFixed(2),
			"buyerName":      order.BuyerRealName,
			"buyerNickName":  order.BuyerNickName,
		})
	if err != nil {
		v.failToManualReview(ctx, mc, order, "buyer-paid transition failed", err)
		return
	}
	if !ok {
		return // another worker got here first
	}

	// Look for a deposit that already arrived for this order.
	tol := order.TotalPrice.Mul(decimal.RequireFromString(amountTolerance))
	ref := order.CreatedAt
	if order.PaidAt != nil {
		ref = *order.PaidAt
	}
	payments, err := v.store.ListUnmatchedPayments(ctx, mc,
		order.TotalPrice.Sub(tol), order.TotalPrice.Add(tol),
		ref.Add(-matchWindow), ref.Add(matchWindow))
	if err != nil {
		log.Printf("[Verifier] Unmatched payment search failed for order %s: %v", order.OrderNumber, err)
		return
	}

	for i := range payments {
		payment := &payments[i]

		if order.BuyerUserNo != "" {
			if buyer, err := v.store.GetTrustedBuyer(ctx, mc, order.BuyerUserNo); err == nil {
				v.matchTrusted(ctx, mc, payment, order, buyer)
				return
			}
		}

		counterparty := order.BuyerRealName
		if counterparty == "" {
			counterparty = order.BuyerNickName
		}
		score := NameSimilarity(payment.SenderName, counterparty)
		if score >= nameThreshold {
			v.matchAuto(ctx, mc, payment, order, score)
			return
		}
	}
}

// matchTrusted links a payment under the trusted-buyer shortcut: the
// name check is bypassed, the amount check is not.
func (v *Verifier) matchTrusted(ctx context.Context, mc db.MerchantContext,
	payment *models.Payment, order *models.Order, buyer *models.TrustedBuyer) {

	linked, err := v.store.MatchPaymentToOrder(ctx, mc, payment.TransactionID, order.ID, models.MethodAuto)
	if err != nil {
		v.failToManualReview(ctx, mc, order, "trusted match link failed", err)
		return
	}
	if !linked {
		return // payment already claimed by a racing worker
	}

	ok, err := v.advance(ctx, mc, order, preMatchStates(), models.VerifPaymentMatched,
		fmt.Sprintf("Payment %s matched via trusted buyer %s", payment.TransactionID, buyer.BuyerUserNo),
		map[string]interface{}{
			"matchType":     "trusted",
			"transactionId": payment.TransactionID,
			"buyerUserNo":   buyer.BuyerUserNo,
		})
	if err != nil || !ok {
		return
	}

	if !v.verifyAmount(ctx, mc, payment, order) {
		return
	}

	// Name verification bypassed: straight to the release recommendation.
	if v.readyToRelease(ctx, mc, order, payment) {
		if err := v.store.RecordTrustedAutoRelease(ctx, mc, buyer.BuyerUserNo, payment.Amount); err != nil {
			log.Printf("[Verifier] Trusted stats update failed for %s: %v", buyer.BuyerUserNo, err)
		}
	}
}

// matchAuto links a payment found by payer-name similarity and runs both
// predicates.
func (v *Verifier) matchAuto(ctx context.Context, mc db.MerchantContext,
	payment *models.Payment, order *models.Order, score float64) {

	linked, err := v.store.MatchPaymentToOrder(ctx, mc, payment.TransactionID, order.ID, models.MethodAuto)
	if err != nil {
		v.failToManualReview(ctx, mc, order, "auto match link failed", err)
		return
	}
	if !linked {
		return
	}

	ok, err := v.advance(ctx, mc, order, preMatchStates(), models.VerifBankPaymentReceived,
		fmt.Sprintf("Bank deposit %s received (%s %s)", payment.TransactionID, payment.Amount.StringFixed(2), payment.Currency),
		map[string]interface{}{
			"transactionId": payment.TransactionID,
			"senderName":    payment.SenderName,
		})
	if err != nil || !ok {
		return
	}

	ok, err = v.advance(ctx, mc, order,
		[]models.VerificationStatus{models.VerifBankPaymentReceived}, models.VerifPaymentMatched,
		fmt.Sprintf("Payment %s matched to order %s", payment.TransactionID, order.OrderNumber),
		map[string]interface{}{
			"matchType":     "auto",
			"score":         score,
			"transactionId": payment.TransactionID,
		})
	if err != nil || !ok {
		return
	}

	if !v.verifyAmount(ctx, mc, payment, order) {
		return
	}
	if !v.verifyName(ctx, mc, payment, order) {
		return
	}
	v.readyToRelease(ctx, mc, order, payment)
}

// ManualMatch links a PENDING third-party payment to an order by
// operator decision. The operator overrides the name check by linking;
// the amount predicate is still evaluated and a mismatch goes to manual
// review like any other.
func (v *Verifier) ManualMatch(ctx context.Context, mc db.MerchantContext,
	transactionID, orderNumber, resolvedBy string) error {

	payment, err := v.store.GetPaymentByTransactionID(ctx, mc, transactionID)
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentPending {
		return fmt.Errorf("payment %s is %s, only PENDING payments can be linked", transactionID, payment.Status)
	}
	order, err := v.store.GetOrderByNumber(ctx, mc, orderNumber)
	if err != nil {
		return err
	}

	linked, err := v.store.MatchPaymentToOrder(ctx, mc, transactionID, order.ID, models.MethodManual)
	if err != nil {
		return err
	}
	if !linked {
		return fmt.Errorf("payment %s was claimed concurrently", transactionID)
	}

	_ = v.store.AppendAudit(ctx, mc, "payment.manual_match", resolvedBy, map[string]interface{}{
		"transactionId": transactionID,
		"orderNumber":   orderNumber,
	})

	ok, err := v.advance(ctx, mc, order, preMatchStates(), models.VerifPaymentMatched,
		fmt.Sprintf("Payment %s manually linked by %s", transactionID, resolvedBy),
		map[string]interface{}{
			"matchType":     "manual_third_party",
			"resolvedBy":    resolvedBy,
			"transactionId": transactionID,
		})
	if err != nil {
		v.failToManualReview(ctx, mc, order, "manual match transition failed", err)
		return nil
	}
	if !ok {
		// Order already past matching (multi-tranche): the link stands,
		// no duplicate steps.
		return nil
	}

	if !v.verifyAmount(ctx, mc, payment, order) {
		return nil
	}
	// Name check skipped: the manual link is the operator's identity
	// decision.
	v.readyToRelease(ctx, mc, order, payment)
	return nil
}

// Discard marks a PENDING payment as FAILED (third-party deposit).
func (v *Verifier) Discard(ctx context.Context, mc db.MerchantContext, transactionID, resolvedBy, reason string) error {
	ok, err := v.store.DiscardPayment(ctx, mc, transactionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payment %s is not pending", transactionID)
	}
	return v.store.AppendAudit(ctx, mc, "payment.discard", resolvedBy, map[string]interface{}{
		"transactionId": transactionID,
		"reason":        reason,
	})
}

// BulkDiscard applies Discard to a set; each payment is its own
// transaction, failures do not abort the rest.
func (v *Verifier) BulkDiscard(ctx context.Context, mc db.MerchantContext,
	transactionIDs []string, resolvedBy, reason string) (int, []string) {

	discarded := 0
	var failed []string
	for _, txID := range transactionIDs {
		if err := v.Discard(ctx, mc, txID, resolvedBy, reason); err != nil {
			failed = append(failed, txID)
			continue
		}
		discarded++
	}
	return discarded, failed
}

// verifyAmount runs the amount predicate: pass at exactly ±1% of the
// order total. On failure the order lands in MANUAL_REVIEW.
func (v *Verifier) verifyAmount(ctx context.Context, mc db.MerchantContext,
	payment *models.Payment, order *models.Order) bool {

	tolerance := order.TotalPrice.Mul(decimal.RequireFromString(amountTolerance))
	difference := payment.Amount.Sub(order.TotalPrice).Abs()
	within := difference.LessThanOrEqual(tolerance)

	details := map[string]interface{}{
		"expectedAmount":  order.TotalPrice.StringFixed(2),
		"receivedAmount":  payment.Amount.StringFixed(2),
		"difference":      difference.StringFixed(2),
		"withinTolerance": within,
	}

	if within {
		ok, err := v.advance(ctx, mc, order,
			[]models.VerificationStatus{models.VerifPaymentMatched}, models.VerifAmountVerified,
			"Deposit amount verified", details)
		if err != nil {
			v.failToManualReview(ctx, mc, order, "amount verification failed", err)
			return false
		}
		return ok
	}

	ok, err := v.advance(ctx, mc, order,
		[]models.VerificationStatus{models.VerifPaymentMatched}, models.VerifAmountMismatch,
		fmt.Sprintf("Deposit amount %s differs from expected %s",
			payment.Amount.StringFixed(2), order.TotalPrice.StringFixed(2)), details)
	if err == nil && ok {
		_, _ = v.advance(ctx, mc, order,
			[]models.VerificationStatus{models.VerifAmountMismatch}, models.VerifManualReview,
			"Amount mismatch requires operator review", nil)
	}
	return false
}

// verifyName runs the name predicate over the payer name and the KYC
// real name (nickname when the detail call has not landed yet).
func (v *Verifier) verifyName(ctx context.Context, mc db.MerchantContext,
	payment *models.Payment, order *models.Order) bool {

	counterparty := order.BuyerRealName
	if counterparty == "" {
		counterparty = order.BuyerNickName
	}
	score := NameSimilarity(payment.SenderName, counterparty)

	details := map[string]interface{}{
		"senderName":   payment.SenderName,
		"expectedName": counterparty,
		"score":        score,
	}

	if score >= nameThreshold {
		ok, err := v.advance(ctx, mc, order,
			[]models.VerificationStatus{models.VerifAmountVerified}, models.VerifNameVerified,
			"Payer name verified", details)
		if err != nil {
			v.failToManualReview(ctx, mc, order, "name verification failed", err)
			return false
		}
		return ok
	}

	ok, err := v.advance(ctx, mc, order,
		[]models.VerificationStatus{models.VerifAmountVerified}, models.VerifNameMismatch,
		fmt.Sprintf("Payer %q does not match counterparty %q", payment.SenderName, counterparty), details)
	if err == nil && ok {
		_, _ = v.advance(ctx, mc, order,
			[]models.VerificationStatus{models.VerifNameMismatch}, models.VerifManualReview,
			"Name mismatch requires operator review", nil)
	}
	return false
}

// readyToRelease appends the terminal recommendation. The engine never
// releases on its own: autoRelease is always false and the decision
// belongs to the operator behind the release kill switch.
func (v *Verifier) readyToRelease(ctx context.Context, mc db.MerchantContext,
	order *models.Order, payment *models.Payment) bool {

	ok, err := v.advance(ctx, mc, order,
		[]models.VerificationStatus{models.VerifAmountVerified, models.VerifNameVerified},
		models.VerifReadyToRelease,
		"All checks passed, ready for operator release",
		map[string]interface{}{
			"autoRelease":   false,
			"transactionId": payment.TransactionID,
		})
	if err != nil {
		v.failToManualReview(ctx, mc, order, "release recommendation failed", err)
		return false
	}
	return ok
}

// failToManualReview is the catch-all: an unexpected condition inside
// the verifier becomes a MANUAL_REVIEW step with the error recorded,
// never a propagated panic or a silently dropped order.
func (v *Verifier) failToManualReview(ctx context.Context, mc db.MerchantContext,
	order *models.Order, message string, cause error) {

	log.Printf("[Verifier] Order %s: %s: %v", order.OrderNumber, message, cause)
	ok, err := v.store.AdvanceVerification(ctx, order.ID, nil, models.VerifManualReview)
	if err != nil || !ok {
		return
	}
	_ = v.step(ctx, mc, order, models.VerifManualReview, message, map[string]interface{}{
		"error": cause.Error(),
	})
}

// preMatchStates are the statuses from which a payment match may begin.
func preMatchStates() []models.VerificationStatus {
	return []models.VerificationStatus{
		models.VerifAwaitingPayment,
		models.VerifBuyerMarkedPaid,
		models.VerifBankPaymentReceived,
	}
}
