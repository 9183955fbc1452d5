package feed

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

type book struct {
	bids map[string]domain.PriceLevel
	asks map[string]domain.PriceLevel
	seq  uint64
}

// Books aggregates order book deltas into per-symbol levels. It is safe for
// concurrent use.
type Books struct {
	mu    sync.RWMutex
	books map[string]*book
}

// NewBooks returns an empty aggregator.
func NewBooks() *Books {
	return &Books{books: make(map[string]*book)}
}

// Apply replaces the level named by d. A zero quantity removes it.
func (b *Books) Apply(d domain.OrderBookDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.books[d.Symbol]
	if !ok {
		bk = &book{bids: map[string]domain.PriceLevel{}, asks: map[string]domain.PriceLevel{}}
		b.books[d.Symbol] = bk
	}
	levels := bk.bids
	if d.Side == domain.BookSideAsk {
		levels = bk.asks
	}
	key := d.Price.String()
	if d.Quantity.IsPositive() {
		levels[key] = domain.PriceLevel{Price: d.Price, Quantity: d.Quantity}
	} else {
		delete(levels, key)
	}
	bk.seq = d.Seq
}

// Top returns the best bid and ask of symbol.
func (b *Books) Top(symbol string) (domain.BookTop, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, ok := b.books[symbol]
	if !ok {
		return domain.BookTop{}, false
	}
	top := domain.BookTop{Symbol: symbol, Seq: bk.seq}
	if lvl, ok := best(bk.bids, decimal.Decimal.GreaterThan); ok {
		top.BestBid = &lvl
	}
	if lvl, ok := best(bk.asks, decimal.Decimal.LessThan); ok {
		top.BestAsk = &lvl
	}
	return top, true
}

// Symbols returns the number of symbols with a book.
func (b *Books) Symbols() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.books)
}

func best(levels map[string]domain.PriceLevel, better func(a, b decimal.Decimal) bool) (domain.PriceLevel, bool) {
	var out domain.PriceLevel
	found := false
	for _, lvl := range levels {
		if !found || better(lvl.Price, out.Price) {
			out = lvl
			found = true
		}
	}
	return out, found
}
