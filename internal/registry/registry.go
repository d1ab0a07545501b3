// ============================================================================
// Worker Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Tracks known workers, their advertised capacity, live slot
// count, last-heartbeat timestamp and in-flight task assignments.
//
// Design Philosophy:
//   Single map keyed by worker identity (hostname, port) protected by a
//   RWMutex, following the job manager's single-source-of-truth design:
//   one map, mutated only through named transition methods, each holding
//   its own invariant.
//
// Invariants:
//   - 0 <= CurrentSlots <= MaxSlots for every worker.
//   - On heartbeat from an unknown or restarted worker, TasksInFlight is
//     cleared and anything the master believed was in flight there is
//     returned to the caller for requeue.
//   - A worker not heard from in more than heartbeatTimeout is evicted by
//     ReapDead, and its in-flight tasks are returned for requeue.
//
// ============================================================================

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/prologin-contest/contestmaster/pkg/task"
)

// WorkerID identifies a worker by its advertised (hostname, port) pair.
type WorkerID struct {
	Hostname string
	Port     int
}

// Worker is the registry's record of one compute node.
type Worker struct {
	ID            WorkerID
	MaxSlots      int
	CurrentSlots  int
	LastHeartbeat time.Time
	// FirstSeen is true only for the worker's very first heartbeat since
	// its process started; used to detect restarts.
	FirstSeen bool
	TasksInFlight map[task.ID]struct{}
}

// Registry tracks every worker the master currently believes is alive.
type Registry struct {
	mu      sync.RWMutex
	workers map[WorkerID]*Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[WorkerID]*Worker),
	}
}

// OnHeartbeat upserts a worker record from an inbound heartbeat.
//
// If firstHeartbeat is set, or the worker was previously unknown, or its
// MaxSlots changed (a strong signal of a process restart with a new
// config), the worker's TasksInFlight is reset to empty and the task IDs
// it used to own are returned so the caller can requeue them.
func (r *Registry) OnHeartbeat(id WorkerID, maxSlots, currentSlots int, firstHeartbeat bool) []task.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	restarted := firstHeartbeat || !exists || (exists && w.MaxSlots != maxSlots)

	if !exists {
		w = &Worker{ID: id, TasksInFlight: make(map[task.ID]struct{})}
		r.workers[id] = w
	}

	var orphaned []task.ID
	if restarted {
		for tid := range w.TasksInFlight {
			orphaned = append(orphaned, tid)
		}
		w.TasksInFlight = make(map[task.ID]struct{})
	}

	w.MaxSlots = maxSlots
	w.CurrentSlots = currentSlots
	w.LastHeartbeat = time.Now()
	w.FirstSeen = firstHeartbeat

	return orphaned
}

// OnWorkerUpdate overwrites the cached CurrentSlots for a worker with the
// value the worker itself reports. The master trusts the worker's own
// view of its load.
func (r *Registry) OnWorkerUpdate(id WorkerID, currentSlots int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.CurrentSlots = currentSlots
	}
}

// ReapDead evicts every worker not heard from in more than timeout,
// returning the union of their in-flight task IDs for requeue.
func (r *Registry) ReapDead(now time.Time, timeout time.Duration) []task.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []task.ID
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > timeout {
			for tid := range w.TasksInFlight {
				orphaned = append(orphaned, tid)
			}
			delete(r.workers, id)
		}
	}
	return orphaned
}

// SelectCandidates returns every worker with at least slotsRequired free
// slots, ordered deterministically: descending CurrentSlots, tie-broken by
// ascending (Hostname, Port). This makes placement reproducible across
// runs with identical input.
func (r *Registry) SelectCandidates(slotsRequired int) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Worker
	for _, w := range r.workers {
		if w.CurrentSlots >= slotsRequired {
			out = append(out, *w)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentSlots != out[j].CurrentSlots {
			return out[i].CurrentSlots > out[j].CurrentSlots
		}
		if out[i].ID.Hostname != out[j].ID.Hostname {
			return out[i].ID.Hostname < out[j].ID.Hostname
		}
		return out[i].ID.Port < out[j].ID.Port
	})
	return out
}

// ReserveSlots preemptively decrements a worker's cached CurrentSlots and
// records the task as in-flight there. Returns false if the worker is
// unknown or does not have enough free slots (caller should pick another
// candidate).
func (r *Registry) ReserveSlots(id WorkerID, tid task.ID, slots int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || w.CurrentSlots < slots {
		return false
	}
	w.CurrentSlots -= slots
	w.TasksInFlight[tid] = struct{}{}
	return true
}

// ReleaseSlots restores slots preemptively reserved for a task whose RPC
// dispatch failed synchronously, and forgets the in-flight record.
func (r *Registry) ReleaseSlots(id WorkerID, tid task.ID, slots int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.CurrentSlots += slots
	delete(w.TasksInFlight, tid)
}

// ForgetTask removes a task from a worker's in-flight set once its
// completion (success or failure) has been observed via callback. Slot
// accounting for completed tasks is refreshed by the worker's own
// OnWorkerUpdate heartbeat, not by this call.
func (r *Registry) ForgetTask(id WorkerID, tid task.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		delete(w.TasksInFlight, tid)
	}
}

// ForgetTaskByID is ForgetTask for callers that only know the task ID, not
// which worker ran it -- the master's completion callbacks (compile_result,
// match_done, client_done) identify a task but don't echo back the worker
// that sent them, so this scans to find it.
func (r *Registry) ForgetTaskByID(tid task.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if _, ok := w.TasksInFlight[tid]; ok {
			delete(w.TasksInFlight, tid)
			return
		}
	}
}

// Get returns a copy of the worker record, if known.
func (r *Registry) Get(id WorkerID) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Snapshot returns a copy of every known worker, for the operator status
// surface.
func (r *Registry) Snapshot() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}
