package domain

// Jump is a single flap recorded during play.
type Jump struct {
	Timestamp   int64   `json:"timestamp"`
	ScoreAtJump uint64  `json:"score_at_jump"`
	Multiplier  float64 `json:"multiplier"`
}

// GameSession is the ephemeral state of one play session. It lives only
// for the current process and is frozen when the game ends.
type GameSession struct {
	GameID     uint64 `json:"game_id"`
	Player     string `json:"player"`
	Score      uint64 `json:"score"`
	TotalJumps uint64 `json:"total_jumps"`
	Jumps      []Jump `json:"jumps"`
	StartedAt  int64  `json:"started_at"`
}
