// Package transfer folds the transactions of one pipe into transfers.
//
// Control folds SETUP, data and status stages on endpoint 0. Stream folds
// runs of bulk or interrupt data transactions, closing a run on a short
// packet or a direction change.
//
// Both aggregators forward every transaction they receive to their output
// sink before any transfer it completes, so a pipe's history reads in
// capture order.
package transfer
