package treerpc

import (
	"github.com/google/uuid"

	"github.com/spacemeshos/go-treerpc/tree"
)

const (
	methodStartTreeTransaction = "startTreeTransaction"
	methodSetTreeData          = "setTreeData"
	methodVisit                = "visit"
	methodGetTreeData          = "getTreeData"
	methodEndTransaction       = "endTransaction"
)

type StartTreeTransactionRequest struct {
	TxID     uuid.UUID     `mapstructure:"txId"`
	TreeID   uuid.UUID     `mapstructure:"treeId"`
	Language tree.Language `mapstructure:"language"`
}

// StartTreeTransactionResponse tells the issuer whether the responder still holds
// the last exchanged state of the tree, so that only a diff against it is needed.
type StartTreeTransactionResponse struct {
	HasSnapshot bool `mapstructure:"hasSnapshot"`
}

type SetTreeDataRequest struct {
	TxID     uuid.UUID  `mapstructure:"txId"`
	TreeData tree.Batch `mapstructure:"treeData"`
}

// VisitRequest applies the named visitor to the received tree. With Scan set the
// result is not sent back and both sides keep the received tree as their snapshot.
type VisitRequest struct {
	TxID    uuid.UUID `mapstructure:"txId"`
	Visitor string    `mapstructure:"visitor"`
	P       any       `mapstructure:"p"`
	Scan    bool      `mapstructure:"scan"`
}

type GetTreeDataRequest struct {
	TxID uuid.UUID `mapstructure:"txId"`
}

// EndTransactionRequest closes a transaction. An aborted transaction makes both
// sides drop their snapshot of the tree and the references exchanged so far.
type EndTransactionRequest struct {
	TxID    uuid.UUID `mapstructure:"txId"`
	Aborted bool      `mapstructure:"aborted"`
}
