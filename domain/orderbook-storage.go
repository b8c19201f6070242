package domain

import (
	"sync"
)

// OrderBookStorage indexes live order book maintainers by exchange and symbol.
type OrderBookStorage struct {
	mu      sync.RWMutex
	storage map[string]map[string]*OrderbookMaintainer
}

func NewOrderBookStorage() *OrderBookStorage {
	return &OrderBookStorage{
		storage: make(map[string]map[string]*OrderbookMaintainer),
	}
}

func (o *OrderBookStorage) Add(exchange string, symbol string, maintainer *OrderbookMaintainer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.storage[exchange]; !ok {
		o.storage[exchange] = make(map[string]*OrderbookMaintainer)
	}

	o.storage[exchange][symbol] = maintainer
}

func (o *OrderBookStorage) Get(exchange string, symbol string) (*OrderbookMaintainer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	books, ok := o.storage[exchange]
	if !ok {
		return nil, ErrProviderNotFound
	}

	maintainer, ok := books[symbol]
	if !ok {
		return nil, ErrOrderBookNotFound
	}

	return maintainer, nil
}

func (o *OrderBookStorage) Remove(exchange string, symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	books, ok := o.storage[exchange]
	if !ok {
		return
	}
	delete(books, symbol)
	if len(books) == 0 {
		delete(o.storage, exchange)
	}
}

// OrderBookCount returns the number of books held for an exchange.
func (o *OrderBookStorage) OrderBookCount(exchange string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.storage[exchange])
}
