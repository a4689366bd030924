package replikv

import "github.com/golang/snappy"

// compressBatch snappy-compresses a marshaled AntiEntropyResponseMessage
// before it goes out over the wire. Batches are the one message kind
// large enough (up to 50 full records) to be worth the CPU trade.
func compressBatch(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// decompressBatch reverses compressBatch.
func decompressBatch(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
