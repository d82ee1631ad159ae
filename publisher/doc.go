// Package publisher mirrors pulled directory changes to external systems.
//
// The Registry is a drs.Sink placed next to the replica store. Every page it
// receives is flattened into ChangeEvents (objects, then linked values) and
// appended to a Pebble-backed PublishLog. One Worker per configured sink
// tails the log, filters events by partition and DN globs, transforms them
// and publishes with exponential backoff. Each worker persists its own
// cursor, so delivery is at-least-once across restarts.
//
// Key prefixes:
//
//	/publog/{seq:016x}       -> msgpack(ChangeEvent)
//	/pubcursor/{sinkName}    -> uint64 (cursor)
//	/pubseq                  -> uint64 (next sequence)
//
// Topics are {topic_prefix}.{partition}; keys are the object GUID (the
// source GUID for linked values). Deleted objects are followed by a
// tombstone. Secret attributes are dropped unless include_secrets is set.
//
// Sinks (kafka, nats) and formats (json, msgpack) register themselves from
// the sink and transformer packages.
package publisher
