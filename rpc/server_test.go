package rpc

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSnapshots struct {
	snapshot *domain.OrderBookSnapshot
	err      error
	limit    int
}

func (f *fakeSnapshots) GetOrderBookSnapshot(_ context.Context, _ string, _ *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	f.limit = limit
	return f.snapshot, f.err
}

func dial(t *testing.T, snapshots snapshotReader) *MarketDataServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(NewServer(snapshots, &ValidationServiceConfig{AvailableProviders: []string{"binance", "okx"}}))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return NewMarketDataServiceClient(cc)
}

func TestGetOrderBookSnapshot(t *testing.T) {
	snapshots := &fakeSnapshots{snapshot: &domain.OrderBookSnapshot{
		Source:    domain.OrderBookSource_LocalOrderBook,
		Sequence:  42,
		Timestamp: time.UnixMilli(1700000000000),
		Bids:      []domain.Level{{Price: decimal.RequireFromString("100.5"), Size: decimal.RequireFromString("2")}},
		Asks:      []domain.Level{{Price: decimal.RequireFromString("101"), Size: decimal.RequireFromString("0.25")}},
	}}
	client := dial(t, snapshots)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.GetOrderBookSnapshot(ctx, &GetOrderBookSnapshotRequest{Provider: "okx", Market: "BTC/USDT", MaxDepth: 5})
	require.NoError(t, err)

	assert.Equal(t, 5, snapshots.limit)
	assert.Equal(t, OrderBookSource_LocalOrderBook, resp.Source)
	assert.Equal(t, int64(42), resp.Sequence)
	assert.Equal(t, int64(1700000000000), resp.Timestamp)
	assert.Equal(t, []*OrderBookLevel{{Price: "100.5", Qty: "2"}}, resp.Bids)
	assert.Equal(t, []*OrderBookLevel{{Price: "101", Qty: "0.25"}}, resp.Asks)
}

func TestGetOrderBookSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  *GetOrderBookSnapshotRequest
		err  error
		code codes.Code
	}{
		{"unsupported provider", &GetOrderBookSnapshotRequest{Provider: "ftx", Market: "BTC/USDT"}, nil, codes.InvalidArgument},
		{"bad market", &GetOrderBookSnapshotRequest{Provider: "okx", Market: "BTCUSDT"}, nil, codes.InvalidArgument},
		{"negative depth", &GetOrderBookSnapshotRequest{Provider: "okx", Market: "BTC/USDT", MaxDepth: -1}, nil, codes.InvalidArgument},
		{"initializing", &GetOrderBookSnapshotRequest{Provider: "okx", Market: "BTC/USDT"}, fmt.Errorf("%w: okx BTC/USDT", domain.ErrOrderBookInitializing), codes.Unavailable},
		{"unknown exchange", &GetOrderBookSnapshotRequest{Provider: "binance", Market: "BTC/USDT"}, domain.ErrUnknownExchange, codes.NotFound},
		{"timeout", &GetOrderBookSnapshotRequest{Provider: "binance", Market: "BTC/USDT"}, domain.ErrTimeout, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := dial(t, &fakeSnapshots{err: tt.err})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := client.GetOrderBookSnapshot(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestValidationService(t *testing.T) {
	v := NewValidationService(&ValidationServiceConfig{AvailableProviders: []string{"kucoin"}})
	assert.True(t, v.IsSupportedProvider("kucoin"))
	assert.False(t, v.IsSupportedProvider("binance"))

	symbol, err := v.ValidateSnapshotRequest(&GetOrderBookSnapshotRequest{Provider: "kucoin", Market: "eth/usdt", MaxDepth: 20})
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", symbol.String())

	_, err = v.ValidateSnapshotRequest(&GetOrderBookSnapshotRequest{Provider: "kucoin", Market: "ETH/USDT", MaxDepth: 5000})
	assert.Error(t, err)
}
