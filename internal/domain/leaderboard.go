package domain

// LeaderboardEntry is one row of the merged standings. Entries from the
// chain and from local stores are structurally identical; duplicates for
// the same (address, score) pair may coexist.
type LeaderboardEntry struct {
	Address   string `json:"address"`
	Score     uint64 `json:"score"`
	Timestamp int64  `json:"timestamp"`
	LocalOnly bool   `json:"local_only,omitempty"`
}

// LocalScore is a score persisted locally when the chain write failed or
// as the authoritative fallback copy, keyed by game id.
type LocalScore struct {
	GameID     uint64 `json:"game_id"`
	Address    string `json:"address"`
	Score      uint64 `json:"score"`
	TotalJumps uint64 `json:"total_jumps"`
	Timestamp  int64  `json:"timestamp"`
}

// GameInfo is the contract's view of one game.
type GameInfo struct {
	GameID     uint64 `json:"game_id"`
	Player     string `json:"player"`
	Score      uint64 `json:"score"`
	TotalJumps uint64 `json:"total_jumps"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at"`
	Ended      bool   `json:"ended"`
}
