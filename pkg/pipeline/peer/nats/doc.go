// Package nats provides a NATS JetStream pipeline peer: Pub publishes each
// CDC event as JSON to `prefix.schema_name.table_name.op` (prefix defaults
// to "pgo"), and Sub delivers the events stored under that prefix. Reading or
// writing PostgreSQL rows through subjects is not supported; the query and
// system-operation subjects described below are not handled.
//
// NATS subject (aka topic) patterns:
//   - Case-sensitive, dot-separated, no spaces
//   - Valid chars: alphanumeric, `-` or `_`
//   - Max length: 255 bytes
//
// pgo uses `any.nested.prefix.schema_name.table_name.operation` topic to interact with PostgreSQL
//
// Operations:
//   - create (or c): Insert operations
//   - update (or u): Update operations
//   - delete (or d): Delete operations
//   - read   (or r): Query operations
//   - truncate (or t): Truncate operations
//
// Examples:
//   - public.users.c           → Create user
//   - inventory.products.u     → Update product
//   - accounting.invoices.r    → Read invoices
//
// Payload: JSON
//
// Query Parameters:
//
//		schema_name.table_name.read.field.value
//		Example: public.users.r.id.123          → read by id 123
//
//	 Use '$PG.' prefix for system operations
package nats
