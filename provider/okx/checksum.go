package okx

import (
	"hash/crc32"
	"strings"

	"github.com/spooky-finn/cryptostream/domain"
)

const checksumDepth = 25

// Checksum computes the OKX book checksum: CRC32 over the best 25 bids and
// asks interleaved as bidPx:bidSz:askPx:askSz, using the wire text of each
// level, interpreted as a signed 32-bit integer.
func (e *Exchange) Checksum(book *domain.OrderBook) int64 {
	var b strings.Builder
	for i := 0; i < checksumDepth; i++ {
		if i < len(book.Bids) {
			writeLevel(&b, book.Bids[i])
		}
		if i < len(book.Asks) {
			writeLevel(&b, book.Asks[i])
		}
	}
	return int64(int32(crc32.ChecksumIEEE([]byte(b.String()))))
}

func writeLevel(b *strings.Builder, l domain.Level) {
	if b.Len() > 0 {
		b.WriteByte(':')
	}
	price, size := l.PriceText, l.SizeText
	if price == "" {
		price = l.Price.String()
	}
	if size == "" {
		size = l.Size.String()
	}
	b.WriteString(price)
	b.WriteByte(':')
	b.WriteString(size)
}
