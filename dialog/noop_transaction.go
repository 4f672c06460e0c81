package dialog

import "github.com/eyepea/gosip/sip"

// NoOpClientTransaction and NoOpServerTransaction back a DialogClientSession
// / DialogServerSession that was reattached via DialogUA.NewClientSession /
// NewServerSession rather than created by sending/receiving a live INVITE:
// there is no real transaction to terminate, cancel, or read responses from.
type NoOpClientTransaction struct{}

func (NoOpClientTransaction) Terminate()                              {}
func (NoOpClientTransaction) OnTerminate(f sip.FnTxTerminate) bool     { return false }
func (NoOpClientTransaction) Done() <-chan struct{}                   { ch := make(chan struct{}); close(ch); return ch }
func (NoOpClientTransaction) Err() error                              { return nil }
func (NoOpClientTransaction) Responses() <-chan *sip.Response         { ch := make(chan *sip.Response); close(ch); return ch }
func (NoOpClientTransaction) OnRetransmission(f sip.FnTxResponse) bool { return false }

type NoOpServerTransaction struct{}

func (NoOpServerTransaction) Terminate()                          {}
func (NoOpServerTransaction) OnTerminate(f sip.FnTxTerminate) bool { return false }
func (NoOpServerTransaction) Done() <-chan struct{}               { ch := make(chan struct{}); close(ch); return ch }
func (NoOpServerTransaction) Err() error                          { return nil }
func (NoOpServerTransaction) Respond(_ *sip.Response) error        { return nil }
func (NoOpServerTransaction) Acks() <-chan *sip.Request            { ch := make(chan *sip.Request); close(ch); return ch }
func (NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool       { return false }
