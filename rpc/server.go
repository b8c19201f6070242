package rpc

import (
	"context"
	"time"

	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type snapshotReader interface {
	GetOrderBookSnapshot(ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error)
}

type server struct {
	orderbookSnapshotUseCase snapshotReader
	validationService        *ValidationService
	log                      *logger.Entry
}

func NewServer(snapshots snapshotReader, conf *ValidationServiceConfig) *server {
	return &server{
		orderbookSnapshotUseCase: snapshots,
		validationService:        NewValidationService(conf),
		log:                      logger.GetLogger().WithComponent("rpc"),
	}
}

// NewGRPCServer builds a grpc server with the service registered, speaking
// the JSON codec.
func NewGRPCServer(srv MarketDataServiceServer) *grpc.Server {
	log := logger.GetLogger().WithComponent("rpc")
	s := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(log)),
	)
	RegisterMarketDataServiceServer(s, srv)
	return s
}

func loggingInterceptor(log *logger.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithFields(logger.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start).String(),
		}).Debug("rpc handled")
		return resp, err
	}
}
