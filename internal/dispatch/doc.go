// Package dispatch admits action requests as transactions.
//
// Submit validates the request, allocates a transaction id, creates the durable
// Running record and hands the transaction to the runner. The caller gets a
// provisional acknowledgement as soon as the record is committed; anything that
// goes wrong after that point is recorded on the transaction and observed
// through status queries, never returned to the submitter.
//
// Error handling:
//   - Validation failure → ErrInvalidRequest, nothing stored
//   - Duplicate id → txstore.ErrDuplicateTransaction, an internal fault
//   - Spawn failure → transaction Failed, Submit still acknowledges
package dispatch
