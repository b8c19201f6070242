package rpc

import (
	"context"
	"errors"

	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *server) GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest) (*GetOrderBookSnapshotResponse, error) {
	marketSymbol, err := s.validationService.ValidateSnapshotRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, in.Provider, marketSymbol, int(in.MaxDepth))
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"provider": in.Provider, "market": in.Market}).Debug("snapshot request failed")
		return nil, toStatus(err)
	}

	bids := make([]*OrderBookLevel, 0, len(snapshot.Bids))
	for _, bid := range snapshot.Bids {
		bids = append(bids, &OrderBookLevel{
			Price: bid.Price.String(),
			Qty:   bid.Size.String(),
		})
	}

	asks := make([]*OrderBookLevel, 0, len(snapshot.Asks))
	for _, ask := range snapshot.Asks {
		asks = append(asks, &OrderBookLevel{
			Price: ask.Price.String(),
			Qty:   ask.Size.String(),
		})
	}

	return &GetOrderBookSnapshotResponse{
		Source:    selectOrderBookSource(snapshot.Source),
		Sequence:  snapshot.Sequence,
		Timestamp: snapshot.Timestamp.UnixMilli(),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

func selectOrderBookSource(source domain.OrderBookSource) OrderBookSource {
	switch source {
	case domain.OrderBookSource_LocalOrderBook:
		return OrderBookSource_LocalOrderBook
	case domain.OrderBookSource_Provider:
		return OrderBookSource_Provider
	default:
		return OrderBookSource_Unknown
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrOrderBookInitializing):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrUnknownExchange):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrUnsupportedChannel):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, domain.ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
