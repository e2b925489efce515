package gateway

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/metrics"
	"github.com/smppgw/gateway/pdu"
)

// Handler owns one accepted connection: it runs the read loop, drives the
// bind state machine, and dispatches submit_sm to the owning Session's
// Dispatcher. One Handler goroutine exists per connection.
type Handler struct {
	conn     *Connection
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler wraps conn for processing against registry.
func NewHandler(conn net.Conn, registry *Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{conn: NewConnection(conn), registry: registry, log: log}
}

// SetMetrics attaches a collector set; nil (the default) disables recording.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Serve runs the read loop until the connection closes or ctx is
// cancelled. It always unbinds the connection on exit.
func (h *Handler) Serve(ctx context.Context) {
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}
	defer h.registry.Unbind(h.conn)
	defer h.conn.Close()

	dec := pdu.NewDecoder(h.conn)
	go func() {
		<-ctx.Done()
		h.conn.Close()
	}()

	for {
		hdr, p, err := dec.Decode()
		if err != nil {
			var malformed *pdu.MalformedFrame
			if errors.As(err, &malformed) {
				if h.metrics != nil {
					h.metrics.MalformedPDUs.Inc()
				}
				h.nackMalformed()
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				return
			}
			h.log.Warn("decoding pdu", zap.Error(err))
			return
		}
		h.dispatch(ctx, hdr.Sequence(), p)
	}
}

// nackMalformed replies to an undecodable frame per spec: generic_nack,
// sequence 0, ESME_RUNKNOWNERR.
func (h *Handler) nackMalformed() {
	if err := h.conn.WriteResponse(&pdu.GenericNack{}, 0, pdu.StatusUnknownErr); err != nil {
		h.log.Warn("writing generic_nack for malformed frame", zap.Error(err))
	}
}

func (h *Handler) dispatch(ctx context.Context, seq uint32, p pdu.PDU) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered panic handling pdu", zap.Any("panic", r))
			h.conn.WriteResponse(&pdu.GenericNack{}, seq, pdu.StatusUnknownErr)
		}
	}()
	if h.metrics != nil {
		h.metrics.PDUsReceived.WithLabelValues(commandName(p)).Inc()
	}

	switch req := p.(type) {
	case *pdu.EnquireLink:
		h.sendResp(&pdu.EnquireLinkResp{}, seq, pdu.StatusOK)

	case *pdu.BindRx:
		h.handleBind(ctx, seq, Receiver, req.SystemID, req.Password, func(status pdu.Status) pdu.PDU {
			return &pdu.BindRxResp{SystemID: req.SystemID}
		})
	case *pdu.BindTx:
		h.handleBind(ctx, seq, Transmitter, req.SystemID, req.Password, func(status pdu.Status) pdu.PDU {
			return &pdu.BindTxResp{SystemID: req.SystemID}
		})
	case *pdu.BindTRx:
		h.handleBind(ctx, seq, Transceiver, req.SystemID, req.Password, func(status pdu.Status) pdu.PDU {
			return &pdu.BindTRxResp{SystemID: req.SystemID}
		})

	case *pdu.Unbind:
		h.registry.Unbind(h.conn)
		h.sendResp(&pdu.UnbindResp{}, seq, pdu.StatusOK)

	case *pdu.SubmitSm:
		h.handleSubmit(ctx, seq, *req)

	default:
		h.sendResp(&pdu.GenericNack{}, seq, pdu.StatusUnknownErr)
	}
}

// sendResp writes a response PDU and records it for metrics.
func (h *Handler) sendResp(p pdu.PDU, seq uint32, status pdu.Status) {
	if err := h.conn.WriteResponse(p, seq, status); err != nil {
		h.log.Warn("writing response", zap.Error(err))
		return
	}
	if h.metrics != nil {
		h.metrics.PDUsSent.WithLabelValues(commandName(p)).Inc()
	}
}

// commandName labels a PDU for metrics without requiring pdu.CommandID to
// carry a String method.
func commandName(p pdu.PDU) string {
	switch p.(type) {
	case *pdu.BindRx:
		return "bind_receiver"
	case *pdu.BindTx:
		return "bind_transmitter"
	case *pdu.BindTRx:
		return "bind_transceiver"
	case *pdu.Unbind:
		return "unbind"
	case *pdu.EnquireLink:
		return "enquire_link"
	case *pdu.SubmitSm:
		return "submit_sm"
	case *pdu.DeliverSm:
		return "deliver_sm"
	case *pdu.GenericNack:
		return "generic_nack"
	case *pdu.BindRxResp:
		return "bind_receiver_resp"
	case *pdu.BindTxResp:
		return "bind_transmitter_resp"
	case *pdu.BindTRxResp:
		return "bind_transceiver_resp"
	case *pdu.UnbindResp:
		return "unbind_resp"
	case *pdu.EnquireLinkResp:
		return "enquire_link_resp"
	case *pdu.SubmitSmResp:
		return "submit_sm_resp"
	default:
		return "other"
	}
}

func (h *Handler) handleBind(ctx context.Context, seq uint32, mode BindMode, systemID, password string, resp func(pdu.Status) pdu.PDU) {
	ok, err := h.registry.Bind(ctx, h.conn, mode, systemID, password)
	if err != nil {
		h.log.Warn("provider authenticate failed", zap.Error(err))
		ok = false
	}
	if !ok {
		h.sendResp(resp(pdu.StatusInvPaswd), seq, pdu.StatusInvPaswd)
		return
	}
	h.sendResp(resp(pdu.StatusOK), seq, pdu.StatusOK)
}

func (h *Handler) handleSubmit(ctx context.Context, seq uint32, sm pdu.SubmitSm) {
	sess := h.conn.Session()
	if sess == nil || !h.conn.Mode().CanSubmit() {
		h.sendResp(&pdu.GenericNack{}, seq, pdu.StatusInvBnd)
		return
	}
	// The dispatcher does not pipeline: the handler's read loop blocks on
	// this call until the submission (including retries and fan-out) is
	// complete, per the ordering guarantee that one connection processes
	// PDUs strictly in arrival order.
	sess.Dispatcher().HandleSubmit(ctx, h.conn, sess, seq, sm)
}
