package domain

// TxKind identifies what a queued transaction was trying to do.
type TxKind string

const (
	TxKindStartGame TxKind = "start_game"
	TxKindEndGame   TxKind = "end_game"
	TxKindJumpBatch TxKind = "jump_batch"
)

// TxStatus is the client-side lifecycle state of a transaction record,
// independent of the chain's own confirmation count.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// TransactionRecord tracks one wallet submission through the queue.
// Once Confirmed the status never reverts to Pending; LocalOnly marks
// settlements that were persisted locally instead of on chain.
type TransactionRecord struct {
	ID           string   `json:"id"`
	Kind         TxKind   `json:"kind"`
	Status       TxStatus `json:"status"`
	CreatedAt    int64    `json:"created_at"`
	Player       string   `json:"player,omitempty"`
	ChainHash    string   `json:"chain_hash,omitempty"`
	GameID       uint64   `json:"game_id,omitempty"`
	FinalScore   uint64   `json:"final_score,omitempty"`
	TotalJumps   uint64   `json:"total_jumps,omitempty"`
	JumpCount    int      `json:"jump_count,omitempty"`
	LocalOnly    bool     `json:"local_only,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}
