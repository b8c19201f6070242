package domain

import "sync"

// Market is the exchange view of a canonical symbol.
type Market struct {
	Symbol         *MarketSymbol
	ID             string
	PricePrecision int32
	SizePrecision  int32
}

// MarketTable maps canonical symbols to exchange market ids and back.
// Entries added from configuration win over ids derived by the adapter.
type MarketTable struct {
	mu       sync.RWMutex
	bySymbol map[string]map[string]Market
	byID     map[string]map[string]*MarketSymbol
}

func NewMarketTable() *MarketTable {
	return &MarketTable{
		bySymbol: make(map[string]map[string]Market),
		byID:     make(map[string]map[string]*MarketSymbol),
	}
}

func (t *MarketTable) Add(exchange string, market Market) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(exchange, market)
}

func (t *MarketTable) addLocked(exchange string, market Market) {
	if t.bySymbol[exchange] == nil {
		t.bySymbol[exchange] = make(map[string]Market)
		t.byID[exchange] = make(map[string]*MarketSymbol)
	}
	t.bySymbol[exchange][market.Symbol.String()] = market
	t.byID[exchange][market.ID] = market.Symbol
}

// Lookup returns the market for symbol, deriving and remembering the id
// when the table has no entry yet.
func (t *MarketTable) Lookup(exchange string, symbol *MarketSymbol, derive func(*MarketSymbol) string) Market {
	t.mu.RLock()
	m, ok := t.bySymbol[exchange][symbol.String()]
	t.mu.RUnlock()
	if ok {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.bySymbol[exchange][symbol.String()]; ok {
		return m
	}
	m = Market{Symbol: symbol, ID: derive(symbol)}
	t.addLocked(exchange, m)
	return m
}

// SymbolByID resolves an exchange market id seen on the wire.
func (t *MarketTable) SymbolByID(exchange, id string) (*MarketSymbol, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[exchange][id]
	return s, ok
}

// CanonicalSymbol renders a wire id as BASE/QUOTE when it is known and
// returns the id unchanged otherwise.
func (t *MarketTable) CanonicalSymbol(exchange, id string) string {
	if s, ok := t.SymbolByID(exchange, id); ok {
		return s.String()
	}
	return id
}

type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

type CredentialProvider interface {
	Credentials(exchange string) (Credentials, bool)
}

// StaticCredentials is a CredentialProvider backed by a map.
type StaticCredentials map[string]Credentials

func (c StaticCredentials) Credentials(exchange string) (Credentials, bool) {
	cred, ok := c[exchange]
	return cred, ok
}
