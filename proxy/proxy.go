package proxy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/ua"
)

// Destination resolves the outbound address for an inbound request; a
// dialplan handler normally builds this from a Registry.Lookup combined
// with a static fallback.
type Destination func(req *sip.Request) (addr string, ok bool)

// Forward relays req statefully: it creates a client transaction towards
// dst and pipes responses back onto tx. It blocks until the client
// transaction terminates, so callers normally invoke it from its own
// goroutine per request.
func Forward(ctx context.Context, client *ua.Client, req *sip.Request, tx sip.ServerTransaction, dst string, log *slog.Logger) error {
	if log == nil {
		log = sip.DefaultLogger()
	}

	req.SetDestination(dst)
	clTx, err := client.TransactionRequest(ctx, req, ua.ClientRequestAddVia, ua.ClientRequestAddRecordRoute)
	if err != nil {
		respondErr(tx, req, log)
		return err
	}
	defer clTx.Terminate()

	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return nil
			}
			res.SetDestination(req.Source())
			// RFC 3261 §16.7: the topmost Via identifies us; strip it before
			// relaying the response back towards the original caller.
			res.RemoveHeader("Via")
			if err := tx.Respond(res); err != nil {
				log.Error("proxy: respond on server transaction failed", "error", err)
			}

		case m := <-tx.Acks():
			m.SetDestination(dst)
			if err := client.WriteRequest(m); err != nil {
				log.Error("proxy: forwarding ACK failed", "error", err)
			}

		case <-clTx.Done():
			if err := clTx.Err(); err != nil && !errors.Is(err, sip.ErrTransactionTerminated) {
				log.Error("proxy: client transaction failed", "error", err, "method", req.Method.String())
			}
			return clTx.Err()

		case <-tx.Done():
			if err := tx.Err(); errors.Is(err, sip.ErrTransactionCanceled) && req.IsInvite() {
				return cancelUpstream(ctx, client, req, log)
			}
			return tx.Err()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func respondErr(tx sip.ServerTransaction, req *sip.Request, log *slog.Logger) {
	res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Forwarding failed", nil)
	if err := tx.Respond(res); err != nil {
		log.Error("proxy: failed to respond with forwarding error", "error", err)
	}
}

// cancelUpstream sends CANCEL for the pending INVITE leg once the
// downstream (caller-facing) server transaction is canceled.
func cancelUpstream(ctx context.Context, client *ua.Client, inviteReq *sip.Request, log *slog.Logger) error {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.AppendHeader(sip.HeaderClone(inviteReq.Via()))
	cancelReq.AppendHeader(sip.HeaderClone(inviteReq.From()))
	cancelReq.AppendHeader(sip.HeaderClone(inviteReq.To()))
	cancelReq.AppendHeader(sip.HeaderClone(inviteReq.CallID()))
	sip.CopyHeaders("Route", inviteReq, cancelReq)
	cancelReq.SetSource(inviteReq.Source())
	cancelReq.SetDestination(inviteReq.Destination())

	res, err := client.Do(ctx, cancelReq)
	if err != nil {
		log.Error("proxy: CANCEL upstream failed", "error", err)
		return err
	}
	if res.StatusCode != sip.StatusOK {
		log.Error("proxy: CANCEL upstream rejected", "status", res.StatusCode)
	}
	return nil
}
