// Package book maintains the live order book for the single traded symbol.
//
// Resting limit orders sit in two red-black trees keyed by price: bids sorted
// descending, asks ascending, with a FIFO slice per price level so equal
// prices fill in submission order. Limit orders priced outside the current
// band wait in a separate pending-limit quarantine, FIFO by submission time,
// until a band shift promotes them.
//
// The book has no lock of its own: it is owned by the engine's single writer,
// which also serializes all reads.
package book

import (
	"sort"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"campex/pkg/types"
)

// level is the FIFO queue of orders at one price.
type level []*types.Order

// Book holds resting orders and the pending-limit quarantine.
type Book struct {
	bids    *redblacktree.Tree // price (int64) -> level, highest first
	asks    *redblacktree.Tree // price (int64) -> level, lowest first
	orders  map[string]*types.Order
	pending []*types.Order // pending_limit quarantine, FIFO by submission
}

// New creates an empty book.
func New() *Book {
	return &Book{
		bids: redblacktree.NewWith(func(a, b interface{}) int {
			return utils.Int64Comparator(b, a) // reverse: highest bid first
		}),
		asks:   redblacktree.NewWith(utils.Int64Comparator),
		orders: make(map[string]*types.Order),
	}
}

// Insert adds a limit order to its side of the book.
func (b *Book) Insert(o *types.Order) {
	if _, exists := b.orders[o.ID]; exists {
		return
	}
	b.orders[o.ID] = o

	tree := b.treeFor(o.Side)
	if lv, found := tree.Get(o.LimitPrice); found {
		tree.Put(o.LimitPrice, append(lv.(level), o))
	} else {
		tree.Put(o.LimitPrice, level{o})
	}
}

// Remove takes an order out of the book (resting or quarantined) and
// returns it, or nil if unknown.
func (b *Book) Remove(orderID string) *types.Order {
	o, ok := b.orders[orderID]
	if ok {
		delete(b.orders, orderID)
		b.removeFromTree(o)
		return o
	}
	for i, q := range b.pending {
		if q.ID == orderID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return q
		}
	}
	return nil
}

func (b *Book) removeFromTree(o *types.Order) {
	tree := b.treeFor(o.Side)
	lv, found := tree.Get(o.LimitPrice)
	if !found {
		return
	}
	orders := lv.(level)
	for i, cur := range orders {
		if cur.ID == o.ID {
			orders = append(orders[:i], orders[i+1:]...)
			break
		}
	}
	if len(orders) == 0 {
		tree.Remove(o.LimitPrice)
	} else {
		tree.Put(o.LimitPrice, orders)
	}
}

// Get looks up an order by id in the book or the quarantine.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	if o, ok := b.orders[orderID]; ok {
		return o, true
	}
	for _, q := range b.pending {
		if q.ID == orderID {
			return q, true
		}
	}
	return nil, false
}

// BestBid returns the highest-priced resting buy order, FIFO within the
// level, or nil when the bid side is empty.
func (b *Book) BestBid() *types.Order { return best(b.bids) }

// BestAsk returns the lowest-priced resting sell order, or nil.
func (b *Book) BestAsk() *types.Order { return best(b.asks) }

func best(tree *redblacktree.Tree) *types.Order {
	node := tree.Left() // both trees sort best-first
	if node == nil {
		return nil
	}
	orders := node.Value.(level)
	if len(orders) == 0 {
		return nil
	}
	return orders[0]
}

// TopN aggregates the best n price levels on one side into quote levels.
func (b *Book) TopN(side types.Side, n int) []types.QuoteLevel {
	tree := b.treeFor(side)
	out := make([]types.QuoteLevel, 0, n)

	it := tree.Iterator()
	for it.Next() && len(out) < n {
		price := it.Key().(int64)
		var qty int64
		for _, o := range it.Value().(level) {
			qty += o.RemainingQty
		}
		out = append(out, types.QuoteLevel{Price: price, Qty: qty})
	}
	return out
}

// Resting returns all active book orders, sides mixed, no defined order.
func (b *Book) Resting() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Pending-limit quarantine
// ————————————————————————————————————————————————————————————————————————

// Quarantine parks a pending_limit order. FIFO by call order, which is
// submission order under the single engine writer.
func (b *Book) Quarantine(o *types.Order) {
	b.pending = append(b.pending, o)
}

// PromoteInBand removes quarantined orders whose limit price now lies in
// [low, high], preserving FIFO order, and returns them. The caller
// re-inserts them into the active book and re-runs matching.
func (b *Book) PromoteInBand(low, high int64) []*types.Order {
	var promoted []*types.Order
	remaining := b.pending[:0]
	for _, o := range b.pending {
		if o.LimitPrice >= low && o.LimitPrice <= high {
			promoted = append(promoted, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	b.pending = remaining
	return promoted
}

// DemoteOutOfBand removes resting orders whose limit price fell outside
// [low, high] and parks them in the quarantine, the reverse of
// PromoteInBand. The quarantine stays ordered by submission time so a later
// promotion is FIFO over original placement.
func (b *Book) DemoteOutOfBand(low, high int64) []*types.Order {
	var demoted []*types.Order
	for _, o := range b.orders {
		if o.LimitPrice < low || o.LimitPrice > high {
			demoted = append(demoted, o)
		}
	}
	if len(demoted) == 0 {
		return nil
	}
	for _, o := range demoted {
		delete(b.orders, o.ID)
		b.removeFromTree(o)
	}
	b.pending = append(b.pending, demoted...)
	sort.Slice(b.pending, func(i, j int) bool {
		return b.pending[i].CreatedAt.Before(b.pending[j].CreatedAt)
	})
	return demoted
}

// Quarantined returns the pending-limit orders in FIFO order.
func (b *Book) Quarantined() []*types.Order {
	out := make([]*types.Order, len(b.pending))
	copy(out, b.pending)
	return out
}

// DrainAll empties the book and quarantine, returning every order.
// Used by force settlement to cancel everything in one batch.
func (b *Book) DrainAll() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders)+len(b.pending))
	for _, o := range b.orders {
		out = append(out, o)
	}
	out = append(out, b.pending...)

	b.bids.Clear()
	b.asks.Clear()
	b.orders = make(map[string]*types.Order)
	b.pending = nil
	return out
}

// Size returns the number of resting orders (quarantine excluded).
func (b *Book) Size() int { return len(b.orders) }

func (b *Book) treeFor(side types.Side) *redblacktree.Tree {
	if side == types.BUY {
		return b.bids
	}
	return b.asks
}
