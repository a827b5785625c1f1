// Package common holds error values shared across the billing core.
package common

import "errors"

var (
	// ErrValidation indicates bad input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrResourceExhausted indicates the allocator pool is saturated.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound indicates an unknown station, transaction or account.
	ErrNotFound = errors.New("not found")

	// ErrGatewayRejected indicates the payment gateway refused the push request.
	ErrGatewayRejected = errors.New("gateway rejected")

	// ErrGatewayUnreachable indicates the gateway could not be reached after retries.
	ErrGatewayUnreachable = errors.New("gateway unreachable")

	// ErrPaymentTimedOut indicates no confirmation arrived within the
	// reconciliation window.
	ErrPaymentTimedOut = errors.New("payment timed out")

	// ErrAlreadyProvisioned indicates a second provisioning attempt for the
	// same confirmed transaction. Logged as a bug signal, never user-facing.
	ErrAlreadyProvisioned = errors.New("already provisioned")
)
