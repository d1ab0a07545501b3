// ============================================================================
// Master - RPC Handler Wiring
// ============================================================================
//
// Package: internal/master
// File: master.go
// Purpose: Binds the registry, task queue, match orchestrator and contest
// DB to the master-facing RPC surface (spec.md §6): one handler per RPC
// method, grounded on internal/server/server.go's
// one-method-per-RPC-interface layout, adapted from a generated gRPC
// service interface to internal/rpc.Server's HTTP handler registration.
//
// ============================================================================

package master

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prologin-contest/contestmaster/internal/contestdb"
	"github.com/prologin-contest/contestmaster/internal/match"
	"github.com/prologin-contest/contestmaster/internal/metrics"
	"github.com/prologin-contest/contestmaster/internal/registry"
	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/rpcapi"
	"github.com/prologin-contest/contestmaster/internal/taskqueue"
	"github.com/prologin-contest/contestmaster/pkg/task"
)

var log = slog.Default()

// TaskTracker lets the master requeue tasks that were in flight on a
// worker that died or restarted, and forget a task once its completion
// callback lands. internal/dispatch.Dispatcher is the only implementation:
// it is the sole component that still holds a task's full payload after
// dispatch, since the registry only tracks task IDs as in-flight. Declared
// here as a narrow interface so internal/master doesn't need to import
// internal/dispatch.
type TaskTracker interface {
	RequeueOrphaned(ids []task.ID)
	Forget(tid task.ID)
}

// Master owns every component of the scheduler and exposes the
// worker-facing RPC surface over HTTP.
type Master struct {
	Registry *registry.Registry
	Queue    *taskqueue.Queue
	Match    *match.Orchestrator
	DB       *contestdb.DB
	Metrics  *metrics.Collector

	// Tasks is set by the caller once the dispatcher is constructed
	// (internal/dispatch.Dispatcher satisfies TaskTracker); nil until then,
	// so heartbeats received before wiring is complete only log a warning
	// instead of panicking.
	Tasks TaskTracker

	HeartbeatTimeout time.Duration
}

// New wires a Master's components together. Match orchestrator callbacks
// (enqueue, onDone) are bound here so its package stays decoupled from
// persistence and queueing.
func New(db *contestdb.DB, coll *metrics.Collector, heartbeatTimeout time.Duration) *Master {
	reg := registry.NewRegistry()
	q := taskqueue.New()

	m := &Master{
		Registry:         reg,
		Queue:            q,
		DB:               db,
		Metrics:          coll,
		HeartbeatTimeout: heartbeatTimeout,
	}
	m.Match = match.New(q.Enqueue, m.onMatchDone)
	return m
}

func (m *Master) onMatchDone(mt *match.Match) {
	scores := make(map[string]int, len(mt.FinalScores))
	for k, v := range mt.FinalScores {
		scores[k] = v
	}
	players := make([]string, 0, len(mt.Players))
	for _, p := range mt.Players {
		players = append(players, p.MatchPlayerID)
	}
	record := contestdb.MatchRecord{
		ID:          mt.MatchID,
		Status:      string(mt.Status),
		Players:     players,
		FinalScores: scores,
		Dump:        mt.Dump,
		FailureFlag: mt.FailureFlag,
	}
	if err := m.DB.PutMatch(record); err != nil {
		log.Error("persist match result failed", "match_id", mt.MatchID, "error", err)
	}
	if m.Metrics != nil {
		m.Metrics.RecordMatchCompleted()
	}
}

// RegisterHandlers binds every master-surface RPC method (spec.md §6) to
// srv.
func (m *Master) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(rpcapi.MethodHeartbeat, m.handleHeartbeat)
	srv.Handle(rpcapi.MethodUpdateWorker, m.handleUpdateWorker)
	srv.Handle(rpcapi.MethodCompilationResult, m.handleCompilationResult)
	srv.Handle(rpcapi.MethodMatchDone, m.handleMatchDone)
	srv.Handle(rpcapi.MethodClientDone, m.handleClientDone)
	srv.Handle(rpcapi.MethodStatus, m.handleStatus)
}

func workerIDFrom(info rpcapi.WorkerInfo) registry.WorkerID {
	return registry.WorkerID{Hostname: info.Hostname, Port: info.Port}
}

func (m *Master) handleHeartbeat(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("master: decode heartbeat: %w", err)
	}

	id := workerIDFrom(req.Worker)
	prev, known := m.Registry.Get(id)
	orphaned := m.Registry.OnHeartbeat(id, req.Worker.MaxSlots, req.Worker.CurrentSlots, req.FirstHeartbeat)
	for _, tid := range orphaned {
		log.Warn("requeuing orphaned task after worker restart", "task_id", tid, "worker", req.Worker.Hostname)
	}
	if m.Tasks != nil {
		m.Tasks.RequeueOrphaned(orphaned)
	}
	if m.Metrics != nil && (req.FirstHeartbeat || !known || prev.MaxSlots != req.Worker.MaxSlots) {
		m.Metrics.RecordWorkerRegistered()
	}
	return rpcapi.HeartbeatResponse{OK: true}, nil
}

func (m *Master) handleUpdateWorker(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.UpdateWorkerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("master: decode update_worker: %w", err)
	}
	m.Registry.OnWorkerUpdate(workerIDFrom(req.Worker), req.Worker.CurrentSlots)
	return rpcapi.UpdateWorkerResponse{OK: true}, nil
}

func (m *Master) handleCompilationResult(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.CompilationResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("master: decode compilation_result: %w", err)
	}

	artifact, err := base64.StdEncoding.DecodeString(req.ArtifactB64)
	if err != nil {
		return nil, fmt.Errorf("master: decode artifact: %w", err)
	}
	logBytes, err := base64.StdEncoding.DecodeString(req.LogB64)
	if err != nil {
		return nil, fmt.Errorf("master: decode log: %w", err)
	}

	status := contestdb.ChampionReady
	if len(artifact) == 0 {
		// Open Question (c): no automatic retry, champion marked error directly.
		status = contestdb.ChampionError
	}

	existing, err := m.DB.GetChampion(req.ChampionID)
	user := ""
	if err == nil {
		user = existing.User
	}

	if err := m.DB.PutChampion(contestdb.Champion{
		ID:       req.ChampionID,
		User:     user,
		Status:   status,
		Artifact: artifact,
		Log:      string(logBytes),
	}); err != nil {
		return nil, fmt.Errorf("master: persist champion: %w", err)
	}
	if m.Metrics != nil {
		m.Metrics.RecordCompile(status == contestdb.ChampionReady)
	}
	m.forgetTask(req.TaskID)
	return rpcapi.CompilationResultResponse{OK: true}, nil
}

// forgetTask drops a completed task from the dispatcher's in-flight table
// and the registry's worker record, so a later reap or heartbeat reset
// doesn't requeue a task that already finished.
func (m *Master) forgetTask(taskID string) {
	if taskID == "" {
		return
	}
	tid := task.ID(taskID)
	if m.Tasks != nil {
		m.Tasks.Forget(tid)
	}
	m.Registry.ForgetTaskByID(tid)
}

func (m *Master) handleMatchDone(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.MatchDoneRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("master: decode match_done: %w", err)
	}

	dump, err := base64.StdEncoding.DecodeString(req.DumpB64)
	if err != nil {
		return nil, fmt.Errorf("master: decode dump: %w", err)
	}

	scores := make(map[string]int, len(req.Scores))
	for _, s := range req.Scores {
		scores[s.MatchPlayerID] = s.Score
	}
	m.Match.OnMatchDone(req.MatchID, scores, dump)
	m.forgetTask(req.TaskID)
	return rpcapi.MatchDoneResponse{OK: true}, nil
}

func (m *Master) handleClientDone(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.ClientDoneRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("master: decode client_done: %w", err)
	}
	m.Match.OnClientDone(req.MatchID, req.MatchPlayerID, req.ExitCode)
	m.forgetTask(req.TaskID)
	return rpcapi.ClientDoneResponse{OK: true}, nil
}

func (m *Master) handleStatus(r *http.Request, body json.RawMessage) (interface{}, error) {
	workers := m.Registry.Snapshot()
	wStatus := make([]rpcapi.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		wStatus = append(wStatus, rpcapi.WorkerStatus{
			Hostname:      w.ID.Hostname,
			Port:          w.ID.Port,
			MaxSlots:      w.MaxSlots,
			CurrentSlots:  w.CurrentSlots,
			TasksInFlight: len(w.TasksInFlight),
		})
	}

	matches := m.Match.Snapshot()
	mStatus := make([]rpcapi.MatchStatus, 0, len(matches))
	for _, mt := range matches {
		mStatus = append(mStatus, rpcapi.MatchStatus{MatchID: mt.MatchID, Status: string(mt.Status)})
	}

	return rpcapi.StatusResponse{
		Workers:         wStatus,
		QueueDepth:      m.Queue.Len(),
		InFlightMatches: mStatus,
	}, nil
}

// ReapLoop periodically evicts workers that have stopped heartbeating
// and requeues whatever tasks they had in flight. Grounded on
// Controller.timeoutLoop's ticker shape.
func (m *Master) ReapLoop(stopCh <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			orphaned := m.Registry.ReapDead(time.Now(), m.HeartbeatTimeout)
			for _, tid := range orphaned {
				log.Warn("worker reaped, requeuing in-flight task", "task_id", tid)
			}
			if m.Tasks != nil {
				m.Tasks.RequeueOrphaned(orphaned)
			}
		}
	}
}

// MatchSweepLoop periodically forces stale pending matches to done with
// a failure flag, per spec.md §4.4.
func (m *Master) MatchSweepLoop(stopCh <-chan struct{}, interval, matchTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Match.Sweep(matchTimeout)
		}
	}
}

// EnqueueCompile enqueues a new champion compilation task.
func (m *Master) EnqueueCompile(user, championID string, sources []byte) task.ID {
	t := task.New(task.CompileSpec{User: user, ChampionID: championID, Sources: sources})
	if err := m.DB.PutChampion(contestdb.Champion{ID: championID, User: user, Status: contestdb.ChampionCompiling}); err != nil {
		log.Error("persist pending champion failed", "champion_id", championID, "error", err)
	}
	m.Queue.Enqueue(t)
	return t.ID
}

// CreateMatch starts a new match via the match orchestrator.
func (m *Master) CreateMatch(matchID string, players []match.Player, opts, fileOpts map[string]string) (task.ID, error) {
	return m.Match.Create(matchID, players, opts, fileOpts)
}
