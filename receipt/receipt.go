// Package receipt formats the ASCII delivery-receipt body carried by a
// deliver_sm PDU, per the grammar in SMPP v3.4 appendix B.
package receipt

import (
	"time"

	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
)

// StatFor maps a final DeliveryStatus (plus whether it resulted from
// validity-period expiry) to the seven-letter STAT tag embedded in a
// delivery receipt.
func StatFor(status provider.DeliveryStatus, expired bool) pdu.DelStat {
	switch status {
	case provider.OK:
		return pdu.DelStatDelivered
	case provider.Undeliverable:
		return pdu.DelStatUndeliverable
	case provider.AuthFailed, provider.NoBalance:
		return pdu.DelStatRejected
	case provider.GenericError, provider.TryLater:
		if expired {
			return pdu.DelStatExpired
		}
		return pdu.DelStatRejected
	default:
		return pdu.DelStatUnknown
	}
}

// maxTextLen is the number of message-body bytes echoed in the receipt's
// text field.
const maxTextLen = 20

// Format builds the receipt body text for a completed submission.
func Format(messageID string, status provider.DeliveryStatus, expired bool, submitted, done time.Time, body string) string {
	dlvrd := "0"
	errCode := "1"
	if status == provider.OK {
		dlvrd = "1"
		errCode = "0"
	}
	text := body
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	dr := pdu.DeliveryReceipt{
		Id:         messageID,
		Sub:        "001",
		Dlvrd:      dlvrd,
		SubmitDate: submitted,
		DoneDate:   done,
		Stat:       StatFor(status, expired),
		Err:        errCode,
		Text:       text,
	}
	return dr.String()
}
