// Package ledger records order charges and refunds.
//
// SQLLedger stores entries in the ledger_entries table that ships with the
// queue schema. The table is keyed by (order_id, kind) so a charge or refund
// issued twice for the same order is recorded once. Database failures are
// tagged services.ErrInfrastructure; the compensator keeps the refund pending
// and retries it on the next dispatch cycle.
package ledger
