package treerpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-treerpc/tree"
)

// ErrTransactionState is returned for calls that don't fit the state of their
// transaction, for unknown transaction ids and for incomplete tree data.
var ErrTransactionState = errors.New("invalid transaction state")

// State is the lifecycle stage of a transaction.
type State uint8

const (
	Created State = iota
	AwaitingRemoteSnapshot
	Visiting
	SendingResult
	Closed
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case AwaitingRemoteSnapshot:
		return "awaiting remote snapshot"
	case Visiting:
		return "visiting"
	case SendingResult:
		return "sending result"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type transaction struct {
	id      uuid.UUID
	treeID  uuid.UUID
	grammar tree.Grammar

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	// responder side
	receiver *tree.Receiver
	received tree.Tree
	complete bool
	after    tree.Tree
	scan     bool
	drained  bool
}

func newTransaction(ctx context.Context, id, treeID uuid.UUID, g tree.Grammar) *transaction {
	ctx, cancel := context.WithCancel(ctx)
	return &transaction{id: id, treeID: treeID, grammar: g, ctx: ctx, cancel: cancel}
}

func (tx *transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// advance moves the transaction from one state to the next.
func (tx *transaction) advance(from, to State) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != from {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", ErrTransactionState, tx.id, tx.state, from)
	}
	tx.state = to
	return nil
}

func (tx *transaction) expect(s State) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != s {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", ErrTransactionState, tx.id, tx.state, s)
	}
	return nil
}

// finish marks the transaction closed or aborted and releases its goroutines. It
// reports false if the transaction was already finished.
func (tx *transaction) finish(s State) bool {
	tx.mu.Lock()
	done := tx.state == Closed || tx.state == Aborted
	if !done {
		tx.state = s
	}
	receiver := tx.receiver
	tx.mu.Unlock()
	tx.cancel()
	if receiver != nil {
		receiver.Close()
	}
	return !done
}
