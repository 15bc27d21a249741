package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Key layout for the Pebble store. Single-byte prefixes keep range scans
// cheap; composite keys join segments with '/'.
//
//	u/<user-id>            user record
//	k/<api-key>            api key -> user id
//	i/<ticker>             instrument record
//	b/<user-id>/<asset>    balance record
//	o/<order-id>           order record
//	x/<ticker>/<order-id>  open-order index (present while the order rests)
//	y/<user-id>/<order-id> per-user order index (all orders)
//	t/<ticker>/<seq>       trade record, seq big-endian for iteration order
//	m/tradeseq             trade sequence counter

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func userKey(id uuid.UUID) []byte      { return []byte("u/" + id.String()) }
func apiKeyKey(key string) []byte      { return []byte("k/" + key) }
func instrumentKey(tk string) []byte   { return []byte("i/" + tk) }
func orderKey(id uuid.UUID) []byte     { return []byte("o/" + id.String()) }
func tradeSeqKey() []byte              { return []byte("m/tradeseq") }

func balanceKey(userID uuid.UUID, asset string) []byte {
	return []byte("b/" + userID.String() + "/" + asset)
}

func openOrderKey(ticker string, orderID uuid.UUID) []byte {
	return []byte("x/" + ticker + "/" + orderID.String())
}

func userOrderKey(userID, orderID uuid.UUID) []byte {
	return []byte("y/" + userID.String() + "/" + orderID.String())
}

func tradeKey(ticker string, seq uint64) []byte {
	k := make([]byte, 0, len(ticker)+11)
	k = append(k, 't', '/')
	k = append(k, ticker...)
	k = append(k, '/')
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(k, seqBuf[:]...)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}
