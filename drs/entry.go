package drs

import (
	"context"
)

// AddEntry creates objects on the peer in one call and returns their
// identifiers. A classified failure is returned as *StructuredWriteError;
// it is never retried.
func AddEntry(ctx context.Context, conn *Conn, objects []AddEntryObject) ([]ObjectIdentifier, error) {
	req := &AddEntryRequest{
		Handle:  conn.Handle(),
		Objects: objects,
	}

	var reply AddEntryReply
	if err := conn.call(ctx, OpAddEntry, 2, req, &reply); err != nil {
		return nil, err
	}

	var ids []ObjectIdentifier
	switch reply.Level {
	case 2:
		if reply.Ctr2 == nil {
			return nil, malformed("level 2 add-entry reply without container")
		}
		if reply.Ctr2.DirErr != KindNone {
			return nil, &StructuredWriteError{
				Kind:    reply.Ctr2.DirErr,
				Status:  Status(reply.Ctr2.ExtendedErr),
				Problem: reply.Ctr2.Problem,
			}
		}
		ids = reply.Ctr2.Identifiers
	case 3:
		if reply.Ctr3 == nil {
			return nil, malformed("level 3 add-entry reply without container")
		}
		if e := reply.Ctr3.Err; e != nil && (e.DirErr != KindNone || e.Status != 0) {
			return nil, &StructuredWriteError{
				Kind:    e.DirErr,
				Status:  Status(e.Status),
				Problem: e.Problem,
				Message: e.Message,
			}
		}
		ids = reply.Ctr3.Identifiers
	default:
		if err := checkStatus(OpAddEntry, reply.Status); err != nil {
			return nil, err
		}
		return nil, malformed("unsupported add-entry reply level %d", reply.Level)
	}

	if err := checkStatus(OpAddEntry, reply.Status); err != nil {
		return nil, err
	}
	if len(ids) != len(objects) {
		return nil, malformed("add-entry created %d objects, %d requested", len(ids), len(objects))
	}
	return ids, nil
}

// RemoveDSServer removes the server's directory-service entry on the peer.
// With commit false the peer only validates the request. It reports whether
// the server was the last one in its domain.
func RemoveDSServer(ctx context.Context, conn *Conn, serverDN, domainDN string, commit bool) (bool, error) {
	req := &RemoveDSServerRequest{
		Handle:   conn.Handle(),
		ServerDN: serverDN,
		DomainDN: domainDN,
		Commit:   commit,
	}

	var reply RemoveDSServerReply
	if err := conn.call(ctx, OpRemoveDSServer, 1, req, &reply); err != nil {
		return false, err
	}
	if err := checkStatus(OpRemoveDSServer, reply.Status); err != nil {
		return false, err
	}
	return reply.LastDCInDomain, nil
}
