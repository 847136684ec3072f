package engine

import "github.com/blockberries/raftberry/types"

// RaftMessageType is the message type the engine uses with SendTo.
const RaftMessageType = "raft"

// Service is the set of directives the engine issues to the validator.
// Implementations must be safe to call from the engine loop; they are
// never called concurrently.
type Service interface {
	// InitializeBlock starts building a block on top of previous.
	InitializeBlock(previous types.BlockID) error

	// FinalizeBlock stops adding to the block being built. The validator
	// reports the finished block with a BlockNew update. ErrBlockNotReady
	// means the block cannot be finalized yet and the call will be retried.
	FinalizeBlock() (types.BlockID, error)

	// CancelBlock abandons the block being built.
	CancelBlock() error

	// CheckBlocks asks the validator to validate blocks.
	CheckBlocks(ids []types.BlockID) error

	// CommitBlock tells the validator to commit a block. It answers with a
	// BlockCommit update.
	CommitBlock(id types.BlockID) error

	// IgnoreBlock tells the validator the engine will not commit a block.
	IgnoreBlock(id types.BlockID) error

	// FailBlock marks a block as failed.
	FailBlock(id types.BlockID) error

	// SendTo sends a consensus message to one peer.
	SendTo(peer types.PeerID, msgType string, payload []byte) error
}

// StartupState is what the validator reports when the engine registers.
type StartupState struct {
	LocalPeer types.PeerID
	ChainHead *types.Block
	Peers     []types.PeerID
}

// Update is a notification from the validator.
type Update interface {
	updateName() string
}

// UpdatePeerConnected reports that a peer connected.
type UpdatePeerConnected struct {
	Peer types.PeerID
}

// UpdatePeerDisconnected reports that a peer disconnected.
type UpdatePeerDisconnected struct {
	Peer types.PeerID
}

// UpdateBlockNew delivers a block the validator received or built.
type UpdateBlockNew struct {
	Block *types.Block
}

// UpdateBlockValid reports a block passed validation.
type UpdateBlockValid struct {
	ID types.BlockID
}

// UpdateBlockInvalid reports a block failed validation.
type UpdateBlockInvalid struct {
	ID types.BlockID
}

// UpdateBlockCommit reports a block was committed to the chain.
type UpdateBlockCommit struct {
	ID types.BlockID
}

// UpdatePeerMessage delivers a consensus message from a peer.
type UpdatePeerMessage struct {
	Sender  types.PeerID
	Type    string
	Payload []byte
}

// UpdateShutdown asks the engine to stop.
type UpdateShutdown struct{}

func (UpdatePeerConnected) updateName() string    { return "PeerConnected" }
func (UpdatePeerDisconnected) updateName() string { return "PeerDisconnected" }
func (UpdateBlockNew) updateName() string         { return "BlockNew" }
func (UpdateBlockValid) updateName() string       { return "BlockValid" }
func (UpdateBlockInvalid) updateName() string     { return "BlockInvalid" }
func (UpdateBlockCommit) updateName() string      { return "BlockCommit" }
func (UpdatePeerMessage) updateName() string      { return "PeerMessage" }
func (UpdateShutdown) updateName() string         { return "Shutdown" }

// UpdateName returns a short name for logging.
func UpdateName(u Update) string {
	return u.updateName()
}
