// ============================================================================
// Match Orchestrator
// ============================================================================
//
// Package: internal/match
// File: match.go
// Purpose: Per-match state machine. Creates a server task, on server-start
// emits the dependent player tasks, collects player exits and final
// scores, and marks the match done.
//
// State Machine (spec.md §4.4):
//
//   creating --(committed)--> pending --(server placed)--> pending (players emitted)
//      pending --(match_done AND all dispatched players reported)--> done
//
// Key contracts:
//   - A player task is emitted exactly once per match_player_id. The
//     dispatched set is the idempotency register: a requeued-and-retried
//     MatchServerTask must not produce duplicate player tasks.
//   - match_done scores take precedence over per-player exit codes: scores
//     are the referee's judgment, exit codes only classify failures.
//   - Duplicate or late callbacks against a match already `done` are
//     silently ignored (idempotent sink) -- a worker that died may still
//     complete its job in the background.
//
// ============================================================================

package match

import (
	"fmt"
	"sync"
	"time"

	"github.com/prologin-contest/contestmaster/internal/registry"
	"github.com/prologin-contest/contestmaster/pkg/task"
)

// Status is a match's lifecycle stage.
type Status string

const (
	StatusCreating Status = "creating"
	StatusPending  Status = "pending"
	StatusDone     Status = "done"
)

// Player identifies one champion's seat in a match.
type Player struct {
	ChampionID    string
	MatchPlayerID string
	User          string
}

// Match is the master's record of one refereed game.
type Match struct {
	MatchID     string
	Status      Status
	ServerTask  task.ID
	ServerWorker *registry.WorkerID
	ReqEndpoint string
	SubEndpoint string
	Players     []Player

	Options     map[string]string
	FileOptions map[string]string // shared by the server and every player client, per original_source's Match.file_options

	DispatchedPlayerIDs map[string]struct{}
	PlayerResults       map[string]int // match_player_id -> exit code
	FinalScores         map[string]int // match_player_id -> score
	ScoresSet           bool
	Dump                []byte
	FailureFlag         bool
	CreatedAt           time.Time
}

func newMatch(matchID string, players []Player) *Match {
	return &Match{
		MatchID:             matchID,
		Status:              StatusCreating,
		Players:             players,
		DispatchedPlayerIDs: make(map[string]struct{}),
		PlayerResults:       make(map[string]int),
		FinalScores:         make(map[string]int),
		CreatedAt:           time.Now(),
	}
}

// allPlayersReported reports whether every player this match ever
// dispatched has reported a client_done exit code.
func (m *Match) allPlayersReported() bool {
	for mpid := range m.DispatchedPlayerIDs {
		if _, ok := m.PlayerResults[mpid]; !ok {
			return false
		}
	}
	return true
}

// Orchestrator owns every in-flight match and serializes transitions per
// match_id, following the job manager's single-map-single-mutex design.
type Orchestrator struct {
	mu      sync.Mutex
	matches map[string]*Match
	enqueue func(task.Task)
	onDone  func(*Match)
}

// New creates an Orchestrator. enqueue is called (outside the
// orchestrator's lock) to push newly created tasks onto the dispatch
// queue; onDone is called once per match when it reaches StatusDone, to
// persist the result (internal/contestdb).
func New(enqueue func(task.Task), onDone func(*Match)) *Orchestrator {
	return &Orchestrator{
		matches: make(map[string]*Match),
		enqueue: enqueue,
		onDone:  onDone,
	}
}

// Create starts a new match: persists its shell in `creating`, commits it
// to `pending`, and enqueues its MatchServerTask.
func (o *Orchestrator) Create(matchID string, players []Player, opts, fileOpts map[string]string) (task.ID, error) {
	o.mu.Lock()
	if _, exists := o.matches[matchID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("match: %s already exists", matchID)
	}
	m := newMatch(matchID, players)
	m.Options = opts
	m.FileOptions = fileOpts
	o.matches[matchID] = m

	t := task.New(task.ServerSpec{
		MatchID:     matchID,
		Options:     opts,
		FileOptions: fileOpts,
		PlayerCount: len(players),
	})
	m.ServerTask = t.ID
	m.Status = StatusPending
	o.mu.Unlock()

	o.enqueue(t)
	return t.ID, nil
}

// OnServerStarted records where the match's server task landed and the
// endpoints the master chose for it (see DESIGN.md: the master allocates
// ports via available_server_port before run_server, so endpoints are
// known synchronously at dispatch time, not via a later callback), then
// emits exactly one PlayerTask per player not already dispatched.
//
// Idempotent: if called twice for the same match (e.g. a requeued
// MatchServerTask executed twice), the second call emits nothing new.
func (o *Orchestrator) OnServerStarted(matchID string, worker registry.WorkerID, reqEndpoint, subEndpoint string) {
	o.mu.Lock()
	m, ok := o.matches[matchID]
	if !ok || m.Status == StatusDone {
		o.mu.Unlock()
		return
	}

	m.ServerWorker = &worker
	m.ReqEndpoint = reqEndpoint
	m.SubEndpoint = subEndpoint

	var newTasks []task.Task
	for _, p := range m.Players {
		if _, already := m.DispatchedPlayerIDs[p.MatchPlayerID]; already {
			continue
		}
		m.DispatchedPlayerIDs[p.MatchPlayerID] = struct{}{}
		newTasks = append(newTasks, task.New(task.PlayerSpec{
			MatchID:       matchID,
			ServerHost:    worker.Hostname,
			ReqEndpoint:   reqEndpoint,
			SubEndpoint:   subEndpoint,
			ChampionID:    p.ChampionID,
			MatchPlayerID: p.MatchPlayerID,
			User:          p.User,
			Options:       m.Options,
			FileOptions:   m.FileOptions,
		}))
	}
	o.mu.Unlock()

	for _, t := range newTasks {
		o.enqueue(t)
	}
}

// OnMatchDone records the referee's final scores and dump. The match
// moves to `done` once every dispatched player has also reported; if
// players are still outstanding, the scores are held until they do.
func (o *Orchestrator) OnMatchDone(matchID string, scores map[string]int, dump []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok || m.Status == StatusDone {
		return // duplicate or unknown callback: idempotent sink
	}

	m.FinalScores = scores
	m.ScoresSet = true
	m.Dump = dump

	o.maybeFinishLocked(m)
}

// OnClientDone records one player's exit code. Open Question (a): a
// client_done arriving before match_done is simply stored and applied
// once the server's scores are also known.
func (o *Orchestrator) OnClientDone(matchID, matchPlayerID string, exitCode int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok || m.Status == StatusDone {
		return
	}

	m.PlayerResults[matchPlayerID] = exitCode
	o.maybeFinishLocked(m)
}

// maybeFinishLocked transitions m to done once both halves of the
// completion condition hold. Must be called with o.mu held.
func (o *Orchestrator) maybeFinishLocked(m *Match) {
	if m.ScoresSet && m.allPlayersReported() {
		m.Status = StatusDone
		if o.onDone != nil {
			snapshot := *m
			go o.onDone(&snapshot)
		}
	}
}

// Abort force-finishes a match whose server worker died before
// match_done, per spec.md §4.4: status stays pending until a sweeper
// times it out, then it is forced to done with empty scores and a
// failure flag.
func (o *Orchestrator) Abort(matchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok || m.Status == StatusDone {
		return
	}
	m.Status = StatusDone
	m.FailureFlag = true
	if o.onDone != nil {
		snapshot := *m
		go o.onDone(&snapshot)
	}
}

// Sweep force-finishes (via Abort) every match still pending after
// timeout has elapsed since creation -- spec.md §4.4's stale-match
// sweep, for matches whose server worker died without ever sending
// match_done.
func (o *Orchestrator) Sweep(timeout time.Duration) {
	o.mu.Lock()
	var stale []string
	now := time.Now()
	for id, m := range o.matches {
		if m.Status != StatusDone && now.Sub(m.CreatedAt) > timeout {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		o.Abort(id)
	}
}

// Get returns a copy of a match's current record.
func (o *Orchestrator) Get(matchID string) (Match, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.matches[matchID]
	if !ok {
		return Match{}, false
	}
	return *m, true
}

// PendingMatches returns the IDs of every match not yet done, for the
// stale-match sweeper (spec.md §4.4) and the operator status surface.
func (o *Orchestrator) PendingMatches() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for id, m := range o.matches {
		if m.Status != StatusDone {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of every tracked match.
func (o *Orchestrator) Snapshot() []Match {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Match, 0, len(o.matches))
	for _, m := range o.matches {
		out = append(out, *m)
	}
	return out
}
