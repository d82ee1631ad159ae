package transformer

import (
	"github.com/maxpert/dcjoin/encoding"
	"github.com/maxpert/dcjoin/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer publishes the change event as stored in the publish log
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.ChangeEvent) ([]byte, error) {
	return encoding.Marshal(&event)
}

func (MsgpackTransformer) Tombstone(string) []byte {
	return nil
}
