package rpc

import (
	"fmt"
	"slices"

	"github.com/spooky-finn/cryptostream/domain"
)

// maxSnapshotDepth caps MaxDepth on snapshot requests.
const maxSnapshotDepth = 1000

type ValidationServiceConfig struct {
	AvailableProviders []string
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	return &ValidationService{
		config: config,
	}
}

func (s *ValidationService) IsSupportedProvider(provider string) bool {
	return slices.Contains(s.config.AvailableProviders, provider)
}

// ValidateSnapshotRequest checks the provider and depth and parses the market.
// A zero depth means the full book.
func (s *ValidationService) ValidateSnapshotRequest(in *GetOrderBookSnapshotRequest) (*domain.MarketSymbol, error) {
	if !s.IsSupportedProvider(in.Provider) {
		return nil, fmt.Errorf("provider %s is not supported", in.Provider)
	}
	if in.MaxDepth < 0 || in.MaxDepth > maxSnapshotDepth {
		return nil, fmt.Errorf("max depth must be within [0, %d], got %d", maxSnapshotDepth, in.MaxDepth)
	}
	symbol, err := domain.NewMarketSymbolFromString(in.Market)
	if err != nil {
		return nil, fmt.Errorf("invalid market symbol %s. Correct market symbol should use / as a separator", in.Market)
	}
	return symbol, nil
}
