package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	dcencoding "github.com/maxpert/dcjoin/encoding"
)

const codecName = "msgpack"

// msgpackCodec carries replication messages as msgpack instead of protobuf
type msgpackCodec struct{}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("msgpack codec: nil message")
	}
	return dcencoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return dcencoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}
