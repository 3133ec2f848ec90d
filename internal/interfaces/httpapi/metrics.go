package httpapi

import (
	"sync"
	"time"
)

// Metrics collects counters from the queue, dispatcher, orchestrator and
// leaderboard. It satisfies their observer interfaces so the application
// layer never imports this package.
type Metrics struct {
	mu                 sync.RWMutex
	startTime          time.Time
	pendingRecords     int
	totalRecords       int
	endpointFailovers  uint64
	lastFailover       string
	submissions        uint64
	submissionsOK      uint64
	settlements        uint64
	settlementsLocal   uint64
	leaderboardSize    int
	leaderboardLocal   bool
	leaderboardUpdates uint64
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) OnQueueDepth(pending, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRecords = pending
	m.totalRecords = total
}

func (m *Metrics) OnEndpointFailover(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpointFailovers++
	m.lastFailover = endpoint
}

func (m *Metrics) OnSubmission(confirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++
	if confirmed {
		m.submissionsOK++
	}
}

func (m *Metrics) OnSettlement(localOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements++
	if localOnly {
		m.settlementsLocal++
	}
}

func (m *Metrics) OnLeaderboardRefresh(size int, usingLocal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderboardUpdates++
	m.leaderboardSize = size
	m.leaderboardLocal = usingLocal
}

type Snapshot struct {
	StartTime          time.Time
	PendingRecords     int
	TotalRecords       int
	EndpointFailovers  uint64
	LastFailover       string
	Submissions        uint64
	SubmissionsOK      uint64
	Settlements        uint64
	SettlementsLocal   uint64
	LeaderboardSize    int
	LeaderboardLocal   bool
	LeaderboardUpdates uint64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartTime:          m.startTime,
		PendingRecords:     m.pendingRecords,
		TotalRecords:       m.totalRecords,
		EndpointFailovers:  m.endpointFailovers,
		LastFailover:       m.lastFailover,
		Submissions:        m.submissions,
		SubmissionsOK:      m.submissionsOK,
		Settlements:        m.settlements,
		SettlementsLocal:   m.settlementsLocal,
		LeaderboardSize:    m.leaderboardSize,
		LeaderboardLocal:   m.leaderboardLocal,
		LeaderboardUpdates: m.leaderboardUpdates,
	}
}
