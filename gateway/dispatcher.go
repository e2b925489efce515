package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smppgw/gateway/metrics"
	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
	"github.com/smppgw/gateway/receipt"
)

// defaultValidity is used when a submission carries no validity_period.
const defaultValidity = 60 * time.Second

// terminalStatuses are provider.DeliveryStatus values that end the retry
// loop immediately.
var terminalStatuses = map[provider.DeliveryStatus]bool{
	provider.OK:            true,
	provider.Undeliverable: true,
	provider.AuthFailed:    true,
	provider.NoBalance:     true,
	provider.GenericError:  true,
}

// Dispatcher turns a submit_sm into a provider delivery attempt (with
// retry/expiry handling) and, when requested, a synthesized delivery
// receipt. One Dispatcher exists per Session.
type Dispatcher struct {
	registry *Registry
	prov     provider.Provider
	log      *zap.Logger

	// Publish, when set, fans a synthesized receipt out across workers
	// via the receipt bus instead of delivering it locally; every
	// worker's subscriber, this one's included, does the local delivery.
	// Left nil in single-worker tests, where delivery is local.
	Publish func(systemID string, d *pdu.DeliverSm)

	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher bound to registry for local receipt
// delivery and prov for message delivery.
func NewDispatcher(registry *Registry, prov provider.Provider) *Dispatcher {
	return &Dispatcher{registry: registry, prov: prov, log: zap.NewNop()}
}

// SetLogger overrides the no-op default logger.
func (d *Dispatcher) SetLogger(log *zap.Logger) { d.log = log }

// SetMetrics attaches a collector set; nil (the default) disables recording.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// HandleSubmit implements the submit_sm algorithm: mode check, message_id
// generation, immediate submit_sm_resp, provider retry loop bounded by
// validity_period, and registered_delivery-gated receipt emission.
func (d *Dispatcher) HandleSubmit(ctx context.Context, conn *Connection, sess *Session, seq uint32, sm pdu.SubmitSm) {
	mode := sm.EsmClass.Mode
	if mode != pdu.DefaultEsmMode && mode != pdu.StoreAndForwardEsmMode {
		d.nack(conn, seq, pdu.StatusUnknownErr)
		return
	}

	msgID := genMessageID()
	resp := &pdu.SubmitSmResp{MessageID: msgID}
	if err := conn.WriteResponse(resp, seq, pdu.StatusOK); err != nil {
		d.log.Error("writing submit_sm_resp", zap.Error(err))
		return
	}

	submitted := time.Now()
	deadline := submitted.Add(defaultValidity)
	if !sm.ValidityPeriod.IsZero() {
		deadline = sm.ValidityPeriod
	}

	status, expired := d.deliverWithRetry(ctx, provider.ShortMessage{
		SystemID:        sess.SystemID,
		Password:        sess.Password,
		SourceAddrTon:   sm.SourceAddrTon,
		SourceAddrNpi:   sm.SourceAddrNpi,
		SourceAddr:      sm.SourceAddr,
		DestAddrTon:     sm.DestAddrTon,
		DestAddrNpi:     sm.DestAddrNpi,
		DestinationAddr: sm.DestinationAddr,
		Body:            sm.ShortMessage,
	}, deadline)

	if d.metrics != nil {
		d.metrics.SubmitOutcome.WithLabelValues(status.String()).Inc()
	}

	emit := false
	switch sm.RegisteredDelivery.Receipt {
	case pdu.YesDeliveryReceipt:
		emit = true
	case pdu.FailDeliveryReceipt:
		emit = status != provider.OK
	}
	if !emit {
		return
	}

	body := receipt.Format(msgID, status, expired, submitted, time.Now(), sm.ShortMessage)
	deliver := &pdu.DeliverSm{
		// SMSC delivery receipts originate from the destination and are
		// addressed back to the original sender.
		SourceAddrTon:   sm.DestAddrTon,
		SourceAddrNpi:   sm.DestAddrNpi,
		SourceAddr:      sm.DestinationAddr,
		DestAddrTon:     sm.SourceAddrTon,
		DestAddrNpi:     sm.SourceAddrNpi,
		DestinationAddr: sm.SourceAddr,
		EsmClass:        pdu.EsmClass{Type: pdu.DelRecEsmType},
		ShortMessage:    body,
	}
	d.emitReceipt(sess.SystemID, deliver)
}

// emitReceipt publishes the receipt to the bus when cross-worker fan-out
// is wired, and otherwise delivers it to every local receiver.
func (d *Dispatcher) emitReceipt(systemID string, deliver *pdu.DeliverSm) {
	if d.Publish != nil {
		d.Publish(systemID, deliver)
		if d.metrics != nil {
			d.metrics.ReceiptsPublished.Inc()
		}
		return
	}
	for _, rc := range d.registry.ReceiversFor(systemID) {
		if err := rc.SendAsync(deliver); err != nil {
			d.log.Warn("sending receipt", zap.Error(err))
			continue
		}
		if d.metrics != nil {
			d.metrics.ReceiptsDelivered.Inc()
		}
	}
}

// deliverWithRetry loops provider.Deliver until a terminal status or
// validity expiry, per spec step 5.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, sm provider.ShortMessage, deadline time.Time) (provider.DeliveryStatus, bool) {
	for {
		started := time.Now()
		status, err := d.prov.Deliver(ctx, sm)
		if err != nil {
			status = provider.GenericError
		}
		if d.metrics != nil {
			d.metrics.ProviderLatency.WithLabelValues(status.String()).Observe(time.Since(started).Seconds())
		}
		if terminalStatuses[status] {
			return status, false
		}
		// status == TryLater
		if !time.Now().Before(deadline) {
			return provider.TryLater, true
		}
		select {
		case <-ctx.Done():
			return provider.TryLater, true
		case <-time.After(retryBackoff()):
		}
		if !time.Now().Before(deadline) {
			return provider.TryLater, true
		}
	}
}

// retryBackoff picks a bounded delay between provider retries, per
// spec's "bounded below by 1s and above by 10s" guidance.
func retryBackoff() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return 5 * time.Second
	}
	return time.Second + time.Duration(n.Int64())*time.Millisecond
}

// nack sends a generic_nack with the given status, echoing seq.
func (d *Dispatcher) nack(conn *Connection, seq uint32, status pdu.Status) {
	if err := conn.WriteResponse(&pdu.GenericNack{}, seq, status); err != nil {
		d.log.Error("writing generic_nack", zap.Error(err))
	}
}

// genMessageID generates a message identifier of 8 lowercase hex digits,
// the hex encoding of the first four bytes of a random UUIDv4.
func genMessageID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}
