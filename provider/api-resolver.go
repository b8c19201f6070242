package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spooky-finn/cryptostream/config"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/provider/binance"
	"github.com/spooky-finn/cryptostream/provider/bybit"
	"github.com/spooky-finn/cryptostream/provider/kucoin"
	"github.com/spooky-finn/cryptostream/provider/okx"
	"github.com/spooky-finn/cryptostream/provider/upbit"
)

// APIResolver maps exchange names to adapters.
type APIResolver struct {
	mu        sync.RWMutex
	exchanges map[string]domain.Exchange
}

func NewAPIResolver() *APIResolver {
	return &APIResolver{exchanges: make(map[string]domain.Exchange)}
}

func (a *APIResolver) Register(ex domain.Exchange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exchanges[ex.Name()] = ex
}

func (a *APIResolver) Exchange(name string) (domain.Exchange, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ex, ok := a.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownExchange, name)
	}
	return ex, nil
}

func (a *APIResolver) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.exchanges))
	for name := range a.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig registers an adapter for every enabled exchange.
func FromConfig(cfg *config.Config, markets *domain.MarketTable, creds domain.CredentialProvider) (*APIResolver, error) {
	resolver := NewAPIResolver()
	for _, name := range cfg.EnabledExchanges() {
		endpoints := cfg.Exchanges[name].Endpoints

		var ex domain.Exchange
		switch name {
		case binance.Spot:
			ex = binance.NewSpot(endpoints, markets)
		case binance.USDM:
			ex = binance.NewUSDM(endpoints, markets)
		case kucoin.Name:
			ex = kucoin.New(endpoints, markets, creds)
		case okx.Name:
			ex = okx.New(endpoints, markets)
		case bybit.Name:
			ex = bybit.New(endpoints, markets)
		case upbit.Name:
			ex = upbit.New(endpoints, markets)
		default:
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownExchange, name)
		}
		resolver.Register(ex)
	}
	return resolver, nil
}

// MarketsFromConfig builds the market table with the configured overrides.
func MarketsFromConfig(cfg *config.Config) (*domain.MarketTable, error) {
	table := domain.NewMarketTable()
	for i, m := range cfg.Markets {
		symbol, err := domain.NewMarketSymbolFromString(m.Symbol)
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		if m.Exchange == "" || m.ID == "" {
			return nil, fmt.Errorf("markets[%d] requires exchange and id", i)
		}
		table.Add(m.Exchange, domain.Market{
			Symbol:         symbol,
			ID:             m.ID,
			PricePrecision: m.PricePrecision,
			SizePrecision:  m.SizePrecision,
		})
	}
	return table, nil
}

// CredentialsFromConfig exposes the credentials loaded from the environment.
func CredentialsFromConfig(cfg *config.Config) domain.CredentialProvider {
	creds := domain.StaticCredentials{}
	c := cfg.Credentials
	if c.KucoinAPIKey != "" {
		creds[kucoin.Name] = domain.Credentials{
			APIKey:     c.KucoinAPIKey,
			Secret:     c.KucoinSecretKey,
			Passphrase: c.KucoinPassphrase,
		}
	}
	return creds
}
