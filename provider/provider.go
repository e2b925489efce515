// Package provider defines the external delivery provider contract: the
// abstraction the gateway calls to authenticate bind attempts and to hand
// off a short message for actual delivery downstream.
package provider

import (
	"context"
	"fmt"
)

// DeliveryStatus is the outcome of a Deliver call.
type DeliveryStatus int

const (
	OK DeliveryStatus = iota
	GenericError
	AuthFailed
	NoBalance
	Undeliverable
	TryLater
)

func (s DeliveryStatus) String() string {
	switch s {
	case OK:
		return "OK"
	case GenericError:
		return "GENERIC_ERROR"
	case AuthFailed:
		return "AUTH_FAILED"
	case NoBalance:
		return "NO_BALANCE"
	case Undeliverable:
		return "UNDELIVERABLE"
	case TryLater:
		return "TRY_LATER"
	default:
		return fmt.Sprintf("DeliveryStatus(%d)", int(s))
	}
}

// ShortMessage is the gateway's internal representation of a submission,
// built from a submit_sm PDU plus the originating session's credentials.
type ShortMessage struct {
	SystemID        string
	Password        string
	SourceAddrTon   int
	SourceAddrNpi   int
	SourceAddr      string
	DestAddrTon     int
	DestAddrNpi     int
	DestinationAddr string
	Body            string
}

// Provider is the abstract downstream delivery collaborator. Authenticate
// is called once per bind attempt; Deliver is called once per provider
// retry attempt for a submitted message. Both may block or suspend: ctx
// carries the caller's deadline/cancellation so a blocking implementation
// can still be interrupted between attempts.
//
// A Provider must never panic across this boundary. The gateway treats
// any error returned from Authenticate as a failed authentication, and any
// error from Deliver as GenericError — it never propagates provider
// failures to the connected ESME beyond the resulting SMPP status.
type Provider interface {
	Authenticate(ctx context.Context, systemID, password string) (bool, error)
	Deliver(ctx context.Context, sm ShortMessage) (DeliveryStatus, error)
}
