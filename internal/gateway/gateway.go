// Package gateway talks to the external mobile-money payment service.
package gateway

import (
	"context"
	"errors"

	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Outcome is the gateway's verdict on a push payment.
type Outcome string

const (
	// OutcomeSuccess means the payer completed the charge.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means the charge failed or was cancelled by the payer.
	OutcomeFailure Outcome = "failure"
	// OutcomePending means the gateway has not settled the charge yet.
	OutcomePending Outcome = "pending"
)

// ErrRejected marks a business-level refusal from the gateway, as opposed to
// a transport failure. Callers distinguish the two to decide whether to retry.
var ErrRejected = errors.New("push request rejected")

// Gateway starts push payments and answers status queries. Callback delivery
// arrives out of band through the webhook endpoint.
type Gateway interface {
	// StartPush asks the gateway to charge payerPhone amountKES into dest,
	// returning the gateway-assigned reference. A business refusal wraps
	// ErrRejected; any other error is a transport failure.
	StartPush(ctx context.Context, amountKES int64, payerPhone string, dest station.PaymentDestination, reference string) (string, error)

	// QueryStatus polls the settled state of a previously started push.
	QueryStatus(ctx context.Context, gatewayRef string) (Outcome, error)
}
