package drs

import (
	"github.com/maxpert/dcjoin/encoding"
)

// decodeReply resolves the reply union into a normalized batch.
// Status checks are left to the caller; decodeReply only validates shape.
func decodeReply(reply *GetNCChangesReply) (*ReplicaBatch, uint32, error) {
	switch reply.Level {
	case ReplyLevelV1:
		if reply.Ctr1 == nil {
			return nil, 0, malformed("level 1 reply without container")
		}
		b, err := fromCtr1(reply.Ctr1)
		return b, 0, err

	case ReplyLevelV6:
		if reply.Ctr6 == nil {
			return nil, 0, malformed("level 6 reply without container")
		}
		b, err := fromCtr6(reply.Ctr6)
		return b, reply.Ctr6.DRSError, err

	case ReplyLevelV1Compressed, ReplyLevelV7Compressed:
		if reply.Compressed == nil {
			return nil, 0, malformed("level %d reply without compressed container", reply.Level)
		}
		return decodeCompressed(reply.Level, reply.Compressed)

	default:
		return nil, 0, malformed("unsupported reply level %d", reply.Level)
	}
}

func decodeCompressed(level uint32, env *CompressedCtr) (*ReplicaBatch, uint32, error) {
	if level == ReplyLevelV1Compressed && env.InnerLevel != ReplyLevelV1 {
		return nil, 0, malformed("level 2 reply wraps level %d", env.InnerLevel)
	}

	raw, err := decompress(env)
	if err != nil {
		return nil, 0, err
	}

	var (
		batch  *ReplicaBatch
		drsErr uint32
	)
	switch env.InnerLevel {
	case ReplyLevelV1:
		var ctr ChangesCtr1
		if err := encoding.Unmarshal(raw, &ctr); err != nil {
			return nil, 0, malformed("compressed level 1 container: %v", err)
		}
		batch, err = fromCtr1(&ctr)
	case ReplyLevelV6:
		var ctr ChangesCtr6
		if err := encoding.Unmarshal(raw, &ctr); err != nil {
			return nil, 0, malformed("compressed level 6 container: %v", err)
		}
		drsErr = ctr.DRSError
		batch, err = fromCtr6(&ctr)
	default:
		return nil, 0, malformed("compressed envelope wraps level %d", env.InnerLevel)
	}
	if err != nil {
		return nil, 0, err
	}

	batch.ReplyLevel = level
	batch.Compressed = true
	return batch, drsErr, nil
}

func fromCtr1(ctr *ChangesCtr1) (*ReplicaBatch, error) {
	batch := &ReplicaBatch{
		NC:                 ctr.NC,
		SourceDSA:          ctr.SourceDSA,
		SourceInvocationID: ctr.SourceInvocationID,
		UpToDateVector:     ctr.UpToDateVector,
		OldWatermark:       ctr.OldWatermark,
		NewWatermark:       ctr.NewWatermark,
		MoreData:           ctr.MoreData,
		ReplyLevel:         ReplyLevelV1,
	}
	for item := ctr.FirstObject; item != nil; item = item.Next {
		batch.Objects = append(batch.Objects, item.Object)
	}
	return batch, nil
}

func fromCtr6(ctr *ChangesCtr6) (*ReplicaBatch, error) {
	if int(ctr.ObjectCount) != len(ctr.Objects) {
		return nil, malformed("level 6 reply declares %d objects, carries %d", ctr.ObjectCount, len(ctr.Objects))
	}
	if int(ctr.LinkedValueCount) != len(ctr.LinkedValues) {
		return nil, malformed("level 6 reply declares %d linked values, carries %d", ctr.LinkedValueCount, len(ctr.LinkedValues))
	}
	return &ReplicaBatch{
		NC:                 ctr.NC,
		SourceDSA:          ctr.SourceDSA,
		SourceInvocationID: ctr.SourceInvocationID,
		UpToDateVector:     ctr.UpToDateVector,
		Objects:            ctr.Objects,
		Links:              ctr.LinkedValues,
		OldWatermark:       ctr.OldWatermark,
		NewWatermark:       ctr.NewWatermark,
		MoreData:           ctr.MoreData,
		ReplyLevel:         ReplyLevelV6,
	}, nil
}

// ChainObjects builds the level 1 object chain from a flat list
func ChainObjects(objects []ReplicatedObject) *ObjectListItem {
	var head *ObjectListItem
	for i := len(objects) - 1; i >= 0; i-- {
		head = &ObjectListItem{Object: objects[i], Next: head}
	}
	return head
}
