package p2p

// Collaborator interfaces consumed, but not implemented, by this module
// (spec.md §1, §6). Block/transaction decoding, persistent storage and the
// consensus mempool are wired into Manager at construction time and are
// the embedder's responsibility.

// Block is an opaque decoded block handed to State/Storage. Its shape is
// owned by ChainCodec's implementation; the P2P core never inspects it.
type Block interface{}

// TxBlock is an opaque decoded ordinary (block) transaction.
type TxBlock interface{}

// TxValidator is an opaque decoded validator transaction.
type TxValidator interface{}

// RejectReason explains why State refused to accept a tx/block.
type RejectReason string

// ChainCodec parses raw wire bytes into typed blocks and transactions for
// a given chain id. Implementations must be safe for concurrent use.
type ChainCodec interface {
	DecodeBlock(raw []byte, chainID uint64) (Block, error)
	DecodeTxBlock(raw []byte, chainID uint64) (TxBlock, error)
	DecodeTxValidator(raw []byte, chainID uint64) (TxValidator, error)
}

// Storage exposes the node's persisted chain head.
type Storage interface {
	Latest() (height uint64, hash [32]byte)
}

// State is the consensus mempool: it accepts validated transactions and
// blocks submitted by Manager after a broadcast has been decoded.
type State interface {
	AcceptTx(TxBlock) (RejectReason, error)
	AcceptValidatorTx(TxValidator) (RejectReason, error)
	AcceptBlock(Block) (RejectReason, error)

	// ValidatorTxs returns the transactions to answer a
	// RequestValidatorTxs request with, RLP-encoded by the caller's
	// ChainCodec-compatible encoder before being handed to WireCodec.
	ValidatorTxs() ([][]byte, error)
}
