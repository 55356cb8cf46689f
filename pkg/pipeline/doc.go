// Package pipeline fans a shard's applied or streamed changes out to
// downstream sinks - ClickHouse, Kafka, MQTT, NATS, gRPC, HTTP, or a
// plugin-loaded connector - entirely outside the replication core.
//
// RunFromChangeStream is the package's only entrypoint onto the core: it
// converts each changemaker.ChangeStreamMessage into a Debezium-shaped
// cdc.Event and runs it through a Pipeline's source, pipeline, and
// sink-level transformations before publishing to every configured Sink's
// Peer. A Peer's Connector implementation is the only part of this package
// the core never calls into, so a misbehaving sink cannot affect what the
// replica itself persists.
package pipeline
