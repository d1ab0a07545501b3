// ============================================================================
// Dispatcher - Task Placement and Worker RPC Dispatch
// ============================================================================
//
// Package: internal/dispatch
// File: dispatch.go
// Purpose: Pop dispatchable tasks off the queue, place them on a worker
// with enough free slots, and call the worker over RPC to start the job.
//
// Loop shape (grounded on internal/controller.Controller.dispatchLoop):
//  1. Pop a batch of dispatchable tasks under the registry's lock-free
//     candidate scan (registry owns its own locking).
//  2. Reserve slots on the chosen worker (preemptive decrement) before
//     doing any I/O, so two dispatch iterations never race for the same
//     slots.
//  3. Call the worker without holding any lock.
//  4. On RPC failure, release the reserved slots and requeue the task at
//     the tail. The one exception is an auth rejection (rpc.ErrAuth):
//     that task is logged and dropped, not requeued.
//
// A MatchServerTask gets special handling: before run_server, the
// dispatcher calls available_server_port on the same worker twice to
// obtain req_endpoint/sub_endpoint (see DESIGN.md's "how player endpoints
// become known"), then synchronously notifies the match orchestrator so
// it can emit player tasks immediately.
//
// ============================================================================

package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prologin-contest/contestmaster/internal/match"
	"github.com/prologin-contest/contestmaster/internal/registry"
	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/rpcapi"
	"github.com/prologin-contest/contestmaster/internal/taskqueue"
	"github.com/prologin-contest/contestmaster/pkg/task"
)

var log = slog.Default()

// Caller is the subset of internal/rpc.Client the dispatcher needs. A
// narrow interface so tests can substitute a fake without standing up a
// real HTTP server.
type Caller interface {
	Call(ctx context.Context, baseURL, method string, req, resp interface{}) error
}

// ChampionStore resolves a compiled champion's binary artifact at
// dispatch time, so a PlayerTask only needs to carry a ChampionID when
// enqueued and the dispatcher fetches the bytes once it actually has a
// worker lined up to run it.
type ChampionStore interface {
	GetArtifact(championID string) ([]byte, error)
}

// Config tunes the dispatch loop.
type Config struct {
	RPCTimeout    time.Duration
	DispatchSleep time.Duration // poll interval when the queue reports empty
}

// Dispatcher places queued tasks onto worker RPC connections.
type Dispatcher struct {
	registry  *registry.Registry
	queue     *taskqueue.Queue
	match     *match.Orchestrator
	rpc       Caller
	champions ChampionStore
	cfg       Config
	stopCh    chan struct{}

	mu         sync.Mutex
	dispatched map[task.ID]task.Task // tasks currently believed in flight on some worker
}

// New builds a Dispatcher wired to the given registry, queue, and match
// orchestrator.
func New(reg *registry.Registry, q *taskqueue.Queue, orch *match.Orchestrator, rpc Caller, champions ChampionStore, cfg Config) *Dispatcher {
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.DispatchSleep == 0 {
		cfg.DispatchSleep = 50 * time.Millisecond
	}
	return &Dispatcher{
		registry:   reg,
		queue:      q,
		match:      orch,
		rpc:        rpc,
		champions:  champions,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		dispatched: make(map[task.ID]task.Task),
	}
}

// Run drives the dispatch loop until Stop is called. Grounded on
// Controller.dispatchLoop's wake-driven poll shape, generalized to use
// the queue's real wake channel instead of a fixed-interval ticker.
func (d *Dispatcher) Run() {
	for {
		select {
		case <-d.stopCh:
			log.Info("dispatcher stopped")
			return
		case <-d.queue.Wake():
		case <-time.After(d.cfg.DispatchSleep):
		}
		d.drainOnce()
	}
}

// Stop halts the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// drainOnce dispatches every currently-placeable task, stopping once the
// queue head can't fit on any candidate worker.
func (d *Dispatcher) drainOnce() {
	for {
		t, ok := d.queue.DrainNextDispatchable(func(slotsRequired int) bool {
			return len(d.registry.SelectCandidates(slotsRequired)) > 0
		})
		if !ok {
			return
		}
		d.dispatch(t)
	}
}

// dispatch places a single task on the best-fit worker and starts it.
func (d *Dispatcher) dispatch(t task.Task) {
	candidates := d.registry.SelectCandidates(t.SlotsTaken())
	if len(candidates) == 0 {
		// Lost the race since DrainNextDispatchable's probe (a worker
		// died or filled up): requeue at tail, try again next wake.
		d.queue.RequeueTail(t)
		return
	}
	worker := candidates[0]

	if !d.registry.ReserveSlots(worker.ID, t.ID, t.SlotsTaken()) {
		d.queue.RequeueTail(t)
		return
	}

	var err error
	switch spec := t.Spec.(type) {
	case task.CompileSpec:
		err = d.dispatchCompile(worker.ID, t.ID, spec)
	case task.ServerSpec:
		err = d.dispatchServer(worker.ID, t.ID, spec)
	case task.PlayerSpec:
		err = d.dispatchPlayer(worker.ID, t.ID, spec)
	default:
		err = fmt.Errorf("dispatch: unknown task spec type %T", spec)
	}

	if err != nil {
		d.registry.ReleaseSlots(worker.ID, t.ID, t.SlotsTaken())

		// Auth failures mean the peer rejected our envelope (or we
		// rejected its reply): the peer is misconfigured with a
		// different shared secret, and retrying the same call will
		// fail identically forever. Per spec.md §4.6/§7, these are
		// logged and dropped, never requeued, to avoid looping against
		// a misconfigured peer.
		if errors.Is(err, rpc.ErrAuth) {
			log.Error("dispatch rejected by peer auth, dropping task", "task_id", t.ID, "worker", worker.ID, "error", err)
			return
		}

		log.Warn("dispatch failed, requeuing", "task_id", t.ID, "worker", worker.ID, "error", err)
		d.queue.RequeueTail(t)
		return
	}

	d.track(t.ID, t)
	log.Info("dispatched", "task_id", t.ID, "kind", t.Kind(), "worker", worker.ID)
}

// track records a dispatched task's full payload so it can be requeued
// later if the worker that holds it dies or restarts before completion
// — the registry only tracks task IDs as in-flight, not the task bodies
// needed to re-enqueue them (spec.md §4.1/§7, §3 worker-record invariant
// "tasks it was owning are rescheduled").
func (d *Dispatcher) track(tid task.ID, t task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched[tid] = t
}

// Forget drops a task from the dispatched-task table once its
// completion callback has landed at the master — it is no longer
// in flight anywhere and must not be resurrected by a later reap.
func (d *Dispatcher) Forget(tid task.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dispatched, tid)
}

// RequeueOrphaned re-enqueues every task ID whose full Task the
// dispatcher still remembers, and forgets it from the dispatched-task
// table. Called by internal/master when the registry reports a worker
// died (ReapDead) or restarted (OnHeartbeat), both of which return the
// in-flight task IDs that worker was holding but have no way to
// reconstruct the task payload themselves.
func (d *Dispatcher) RequeueOrphaned(ids []task.ID) {
	if len(ids) == 0 {
		return
	}
	d.mu.Lock()
	var toRequeue []task.Task
	for _, tid := range ids {
		if t, ok := d.dispatched[tid]; ok {
			toRequeue = append(toRequeue, t)
			delete(d.dispatched, tid)
		}
	}
	d.mu.Unlock()

	for _, t := range toRequeue {
		log.Warn("requeuing orphaned task", "task_id", t.ID, "kind", t.Kind())
		d.queue.Enqueue(t)
	}
}

func (d *Dispatcher) workerURL(id registry.WorkerID) string {
	return fmt.Sprintf("http://%s:%d", id.Hostname, id.Port)
}

func (d *Dispatcher) dispatchCompile(id registry.WorkerID, tid task.ID, spec task.CompileSpec) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()

	req := rpcapi.CompileChampionRequest{
		TaskID:     string(tid),
		User:       spec.User,
		ChampionID: spec.ChampionID,
		SourcesB64: base64.StdEncoding.EncodeToString(spec.Sources),
	}
	var resp rpcapi.CompileChampionResponse
	return d.rpc.Call(ctx, d.workerURL(id), rpcapi.MethodCompileChampion, req, &resp)
}

// dispatchServer implements the two-available_server_port-calls-then-
// run_server sequence (DESIGN.md: "how player endpoints become known"),
// then synchronously tells the match orchestrator the server is up so it
// can emit player tasks.
func (d *Dispatcher) dispatchServer(id registry.WorkerID, tid task.ID, spec task.ServerSpec) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()

	reqPort, err := d.availableServerPort(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch server: req port: %w", err)
	}
	subPort, err := d.availableServerPort(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch server: sub port: %w", err)
	}

	reqEndpoint := fmt.Sprintf("tcp://%s:%d", id.Hostname, reqPort)
	subEndpoint := fmt.Sprintf("tcp://%s:%d", id.Hostname, subPort)

	req := rpcapi.RunServerRequest{
		TaskID:      string(tid),
		MatchID:     spec.MatchID,
		ReqEndpoint: reqEndpoint,
		SubEndpoint: subEndpoint,
		Options:     spec.Options,
		FileOptions: spec.FileOptions,
		PlayerCount: spec.PlayerCount,
	}
	var resp rpcapi.RunServerResponse
	if err := d.rpc.Call(ctx, d.workerURL(id), rpcapi.MethodRunServer, req, &resp); err != nil {
		return fmt.Errorf("dispatch server: run_server: %w", err)
	}

	d.match.OnServerStarted(spec.MatchID, id, reqEndpoint, subEndpoint)
	return nil
}

func (d *Dispatcher) availableServerPort(ctx context.Context, id registry.WorkerID) (int, error) {
	var resp rpcapi.AvailableServerPortResponse
	err := d.rpc.Call(ctx, d.workerURL(id), rpcapi.MethodAvailableServerPort, rpcapi.AvailableServerPortRequest{}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Port, nil
}

// dispatchPlayer resolves the player's compiled champion artifact from
// the contest DB (a PlayerTask only carries a ChampionID; fetching the
// bytes is deferred to dispatch time so the queue never holds more than
// one copy of a large artifact in memory at once) and starts the client.
func (d *Dispatcher) dispatchPlayer(id registry.WorkerID, tid task.ID, spec task.PlayerSpec) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()

	archive := spec.ChampionArchive
	if len(archive) == 0 && d.champions != nil {
		a, err := d.champions.GetArtifact(spec.ChampionID)
		if err != nil {
			return fmt.Errorf("dispatch player: resolve champion artifact: %w", err)
		}
		archive = a
	}

	req := rpcapi.RunClientRequest{
		TaskID:             string(tid),
		MatchID:            spec.MatchID,
		MatchPlayerID:      spec.MatchPlayerID,
		ServerHost:         spec.ServerHost,
		ReqEndpoint:        spec.ReqEndpoint,
		SubEndpoint:        spec.SubEndpoint,
		ChampionArchiveB64: base64.StdEncoding.EncodeToString(archive),
		Options:            spec.Options,
		FileOptions:        spec.FileOptions,
	}
	var resp rpcapi.RunClientResponse
	return d.rpc.Call(ctx, d.workerURL(id), rpcapi.MethodRunClient, req, &resp)
}
