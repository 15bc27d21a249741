package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/baisefuel/wintochka/pkg/util"
)

// Settlement turns one matched (taker, maker, qty, price) into the
// four-legged balance transfer plus a trade record. Value conservation:
// the buyer's quote delta is -qty*price, the seller's is +qty*price; the
// buyer's base delta is +qty, the seller's is -qty.
//
// Reserved legs settle through the reservation: the buyer's hold was taken
// at the buyer's own limit price, so settling unreserves qty*limitPrice
// and debits the actual cost from available — the difference is the price
// improvement refund, landing back in available automatically.
type Settlement struct {
	quoteAsset string
	ledger     *Ledger
	clock      util.Clock
	log        *zap.SugaredLogger
}

func NewSettlement(quoteAsset string, ledger *Ledger, clock util.Clock, log *zap.SugaredLogger) *Settlement {
	return &Settlement{quoteAsset: quoteAsset, ledger: ledger, clock: clock, log: log}
}

// Execute applies the transfer and inserts the trade. Any leg's guard
// failure aborts the whole match attempt: partial settlement would break
// conservation, so errors propagate to the enclosing transaction untouched.
func (s *Settlement) Execute(ctx context.Context, tx Tx, taker, maker *Order, qty, price int64) (*Trade, error) {
	buyer, seller := taker, maker
	if taker.Side == Sell {
		buyer, seller = maker, taker
	}

	base := taker.Ticker
	cost := qty * price

	// Buyer's quote leg. A limit buy (taker or resting maker) holds a
	// reservation of qty*limitPrice; a market buy holds nothing and pays
	// straight from available.
	if buyer.IsLimit() {
		if err := s.ledger.Unreserve(ctx, tx, buyer.UserID, s.quoteAsset, qty**buyer.Price); err != nil {
			return nil, err
		}
	}
	if err := s.ledger.Debit(ctx, tx, buyer.UserID, s.quoteAsset, cost, false); err != nil {
		return nil, err
	}
	if err := s.ledger.Credit(ctx, tx, buyer.UserID, base, qty); err != nil {
		return nil, err
	}

	// Seller's base leg, symmetric: a limit sell reserved qty units of
	// the base asset, a market sell pays from available.
	if seller.IsLimit() {
		if err := s.ledger.Unreserve(ctx, tx, seller.UserID, base, qty); err != nil {
			return nil, err
		}
	}
	if err := s.ledger.Debit(ctx, tx, seller.UserID, base, qty, false); err != nil {
		return nil, err
	}
	if err := s.ledger.Credit(ctx, tx, seller.UserID, s.quoteAsset, cost); err != nil {
		return nil, err
	}

	trade := &Trade{
		OrderID:   taker.ID,
		Ticker:    base,
		Qty:       qty,
		Price:     price,
		Timestamp: s.clock.Now(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	s.log.Infow("trade_executed",
		"ticker", base,
		"qty", qty,
		"price", price,
		"taker_order", taker.ID,
		"maker_order", maker.ID)
	return trade, nil
}
