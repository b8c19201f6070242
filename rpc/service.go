package rpc

import (
	"context"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
)

const serviceName = "cryptostream.MarketDataService"

type OrderBookSource string

const (
	OrderBookSource_Unknown        OrderBookSource = "UNKNOWN"
	OrderBookSource_LocalOrderBook OrderBookSource = "LOCAL_ORDER_BOOK"
	OrderBookSource_Provider       OrderBookSource = "PROVIDER"
)

type GetOrderBookSnapshotRequest struct {
	Provider string `json:"provider"`
	Market   string `json:"market"`
	MaxDepth int32  `json:"max_depth"`
}

type OrderBookLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type GetOrderBookSnapshotResponse struct {
	Source    OrderBookSource   `json:"source"`
	Sequence  int64             `json:"sequence"`
	Timestamp int64             `json:"timestamp"`
	Bids      []*OrderBookLevel `json:"bids"`
	Asks      []*OrderBookLevel `json:"asks"`
}

type MarketDataServiceServer interface {
	GetOrderBookSnapshot(context.Context, *GetOrderBookSnapshotRequest) (*GetOrderBookSnapshotResponse, error)
}

// jsonCodec carries the service messages as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

var MarketDataService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MarketDataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetOrderBookSnapshot",
			Handler:    getOrderBookSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketdata",
}

func RegisterMarketDataServiceServer(s grpc.ServiceRegistrar, srv MarketDataServiceServer) {
	s.RegisterService(&MarketDataService_ServiceDesc, srv)
}

func getOrderBookSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderBookSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/GetOrderBookSnapshot",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, req.(*GetOrderBookSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MarketDataServiceClient calls the service over a connection using the
// JSON codec.
type MarketDataServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataServiceClient(cc grpc.ClientConnInterface) *MarketDataServiceClient {
	return &MarketDataServiceClient{cc: cc}
}

func (c *MarketDataServiceClient) GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest, opts ...grpc.CallOption) (*GetOrderBookSnapshotResponse, error) {
	out := new(GetOrderBookSnapshotResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(jsonCodec{})}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetOrderBookSnapshot", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
