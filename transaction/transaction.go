// Package transaction implements the SIP transaction layer: the four
// RFC 3261 §17 state machines (INVITE/non-INVITE, client/server) plus the
// branch-keyed stores Layer matches inbound messages against.
package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/eyepea/gosip/sip"
)

const (
	TxSeperator = "__"
)

// Callers match these with errors.Is to pick a different response,
// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
var (
	ErrTimeout   = errors.New("transaction timeout")
	ErrTransport = errors.New("transaction transport error")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransport)
}

// FnTxTerminate matches sip.FnTxTerminate; kept as a local alias so this
// package doesn't need to import sip just for the type name everywhere.
type FnTxTerminate = sip.FnTxTerminate

// branchIsRFC3261 reports whether branch carries the magic cookie plus a
// non-empty suffix.
func branchIsRFC3261(branch string) bool {
	return len(branch) > len(sip.RFC3261BranchMagicCookie) &&
		strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie)
}

// txMethod folds ACK and CANCEL onto INVITE: both match the INVITE
// transaction they refer to, not a transaction of their own method.
func txMethod(method sip.RequestMethod) sip.RequestMethod {
	if method == sip.ACK || method == sip.CANCEL {
		return sip.INVITE
	}
	return method
}

// MakeServerTxKey builds the key a server transaction is stored under so
// retransmissions find it, RFC 3261 §17.2.3: branch + sent-by + method for
// RFC 3261 branches, the long From-tag/Call-ID/CSeq form for RFC 2543.
func MakeServerTxKey(msg sip.Message) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", sip.MessageShortString(msg))
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", sip.MessageShortString(msg))
	}
	method := txMethod(cseq.MethodName)

	var sb strings.Builder
	if branch, ok := via.Params.Get("branch"); ok && branchIsRFC3261(branch) {
		port := via.Port
		if port <= 0 {
			port = int(sip.DefaultPort(via.Transport))
		}

		sb.WriteString(branch)
		sb.WriteString(TxSeperator)
		sb.WriteString(via.Host)
		sb.WriteString(TxSeperator)
		sb.WriteString(strconv.Itoa(port))
		sb.WriteString(TxSeperator)
		sb.WriteString(string(method))
		return sb.String(), nil
	}

	// RFC 2543 fallback.
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("'From' header not found in message '%s'", sip.MessageShortString(msg))
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("'tag' param not found in 'From' header of message '%s'", sip.MessageShortString(msg))
	}
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("'Call-ID' header not found in message '%s'", sip.MessageShortString(msg))
	}

	sb.WriteString(fromTag)
	sb.WriteString(TxSeperator)
	callID.StringWrite(&sb)
	sb.WriteString(TxSeperator)
	sb.WriteString(string(method))
	sb.WriteString(TxSeperator)
	sb.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	sb.WriteString(TxSeperator)
	via.StringWrite(&sb)
	sb.WriteString(TxSeperator)
	return sb.String(), nil
}

// MakeClientTxKey builds the key responses are matched on, RFC 3261
// §17.1.3: topmost Via branch + CSeq method.
func MakeClientTxKey(msg sip.Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", sip.MessageShortString(msg))
	}
	method := txMethod(cseq.MethodName)

	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", sip.MessageShortString(msg))
	}
	branch, ok := via.Params.Get("branch")
	if !ok || !branchIsRFC3261(branch) {
		return "", fmt.Errorf("'branch' not found or empty in 'Via' header of message '%s'", sip.MessageShortString(msg))
	}

	var sb strings.Builder
	sb.Grow(len(branch) + len(TxSeperator) + len(method))
	sb.WriteString(branch)
	sb.WriteString(TxSeperator)
	sb.WriteString(string(method))
	return sb.String(), nil
}

type transactionStore struct {
	mu           sync.RWMutex
	transactions map[string]sip.Transaction
}

func newTransactionStore() *transactionStore {
	return &transactionStore{
		transactions: make(map[string]sip.Transaction),
	}
}

func (store *transactionStore) put(key string, tx sip.Transaction) {
	store.mu.Lock()
	store.transactions[key] = tx
	store.mu.Unlock()
}

func (store *transactionStore) get(key string) (sip.Transaction, bool) {
	store.mu.RLock()
	tx, ok := store.transactions[key]
	store.mu.RUnlock()
	return tx, ok
}

func (store *transactionStore) drop(key string) bool {
	store.mu.Lock()
	_, exists := store.transactions[key]
	delete(store.transactions, key)
	store.mu.Unlock()
	return exists
}

// terminateAll snapshots the store and terminates every transaction in it;
// each termination removes itself through its OnTerminate hook.
func (store *transactionStore) terminateAll() {
	for _, tx := range store.all() {
		tx.Terminate()
	}
}

func (store *transactionStore) all() []sip.Transaction {
	store.mu.RLock()
	all := make([]sip.Transaction, 0, len(store.transactions))
	for _, tx := range store.transactions {
		all = append(all, tx)
	}
	store.mu.RUnlock()
	return all
}
