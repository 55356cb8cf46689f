// Package kafka provides a pipeline sink peer (PeerKafka) that publishes CDC
// events to Kafka, plus a Client with topic, produce/consume and ACL helpers.
// Reading or writing PostgreSQL rows through Kafka topics is not supported;
// the topic and message conventions below describe a naming scheme, of which
// PeerKafka implements only publishing.
//
// Kafka topic naming conventions:
// - Case-sensitive, no spaces
// - Valid chars: alphanumeric, `.`, `-`, `_`
// - Recommended max length: 249 bytes (to avoid potential issues)
// - Forward slash (`/`) can be used for logical separation but requires proper escaping
//
// pgo uses `[prefix].[schema_name].[table_name].[operation]` topic pattern to interact with PostgreSQL
//
// Operations:
// - create (or c): Insert operations
// - update (or u): Update operations
// - delete (or d): Delete operations
// - read (or r): Query operations
// - truncate (or t): Truncate operations
//
// Examples:
// - public.users.c          → Create user
// - inventory.products.u    → Update product
// - accounting.invoices.r   → Read invoices
//
// Payload: JSON
//
// Message Format (as PeerKafka.Pub publishes it):
// - Topic: `[prefix].[schema_name].[table_name].[op]`, op being the event's
//   operation code; prefix defaults to "pgo"
// - Key: none
// - Value: the JSON-encoded cdc.Event
// - Headers: none
//
// Query Parameters:
// [schema_name].[table_name].read.[field].[value]
// Example: public.users.r.id.123 → read by id 123
//
// Consumer Groups:
// - Use meaningful names: `[app_name].[purpose]`
// - Example: myapp.user_updates
//
// Configuration:
// - Replication Factor: Minimum 2 recommended for production
// - Number of Partitions: Based on throughput requirements
// - Retention: Configurable per topic
//
// Use 'prefix.pg' topic for system operations
//
// Note: Ensure proper ACLs are configured for topic access
package kafka
