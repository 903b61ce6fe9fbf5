package gossip

// BytesCodec is the simplest Codec: items are raw byte slices and ids are
// strings, encoded as UTF-8. Suited to embedders that already content-hash
// their items into a string id upstream and just need the engine to move
// opaque blobs around.
type BytesCodec struct{}

func (BytesCodec) EncodeID(id string) ([]byte, error)   { return []byte(id), nil }
func (BytesCodec) DecodeID(data []byte) (string, error) { return string(data), nil }

func (BytesCodec) EncodeItem(item []byte) ([]byte, error)   { return item, nil }
func (BytesCodec) DecodeItem(data []byte) ([]byte, error) { return data, nil }
