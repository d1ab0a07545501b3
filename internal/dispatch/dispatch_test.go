package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prologin-contest/contestmaster/internal/match"
	"github.com/prologin-contest/contestmaster/internal/registry"
	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/rpcapi"
	"github.com/prologin-contest/contestmaster/internal/taskqueue"
	"github.com/prologin-contest/contestmaster/pkg/task"
)

type fakeCaller struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]bool
	authFail map[string]bool
	portSeq  int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{failOn: make(map[string]bool), authFail: make(map[string]bool)}
}

func (f *fakeCaller) Call(ctx context.Context, baseURL, method string, req, resp interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	fail := f.failOn[method]
	authFail := f.authFail[method]
	f.mu.Unlock()

	if authFail {
		return fmt.Errorf("simulated auth rejection: %w", rpc.ErrAuth)
	}
	if fail {
		return errors.New("simulated rpc failure")
	}

	switch method {
	case rpcapi.MethodAvailableServerPort:
		f.mu.Lock()
		f.portSeq++
		port := 20000 + f.portSeq
		f.mu.Unlock()
		*(resp.(*rpcapi.AvailableServerPortResponse)) = rpcapi.AvailableServerPortResponse{Port: port}
	case rpcapi.MethodRunServer:
		*(resp.(*rpcapi.RunServerResponse)) = rpcapi.RunServerResponse{SlotsTaken: 1}
	case rpcapi.MethodRunClient:
		*(resp.(*rpcapi.RunClientResponse)) = rpcapi.RunClientResponse{SlotsTaken: 2}
	case rpcapi.MethodCompileChampion:
		*(resp.(*rpcapi.CompileChampionResponse)) = rpcapi.CompileChampionResponse{SlotsTaken: 1}
	}
	return nil
}

func (f *fakeCaller) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

type fakeChampionStore struct {
	artifact []byte
}

func (s *fakeChampionStore) GetArtifact(championID string) ([]byte, error) {
	return s.artifact, nil
}

func newTestDispatcher(caller Caller) (*Dispatcher, *registry.Registry, *taskqueue.Queue, *match.Orchestrator) {
	reg := registry.NewRegistry()
	q := taskqueue.New()
	orch := match.New(q.Enqueue, func(*match.Match) {})
	d := New(reg, q, orch, caller, &fakeChampionStore{artifact: []byte("bin")}, Config{RPCTimeout: time.Second, DispatchSleep: 5 * time.Millisecond})
	return d, reg, q, orch
}

func registerWorker(reg *registry.Registry, host string, port, slots int) registry.WorkerID {
	id := registry.WorkerID{Hostname: host, Port: port}
	reg.OnHeartbeat(id, slots, slots, true)
	return id
}

func TestDispatchCompileCallsWorker(t *testing.T) {
	caller := newFakeCaller()
	d, reg, q, _ := newTestDispatcher(caller)
	registerWorker(reg, "worker-a", 9000, 4)

	tk := task.New(task.CompileSpec{User: "alice", ChampionID: "champ-1", Sources: []byte("src")})
	q.Enqueue(tk)

	d.drainOnce()

	require.Equal(t, 1, caller.callCount(rpcapi.MethodCompileChampion))
	w, ok := reg.Get(registry.WorkerID{Hostname: "worker-a", Port: 9000})
	require.True(t, ok)
	require.Equal(t, 3, w.CurrentSlots) // 4 - 1 reserved
}

func TestDispatchServerNotifiesMatchOrchestrator(t *testing.T) {
	caller := newFakeCaller()
	d, reg, q, orch := newTestDispatcher(caller)
	registerWorker(reg, "worker-a", 9000, 4)

	_, err := orch.Create("match-1", []match.Player{{ChampionID: "c1", MatchPlayerID: "p1", User: "alice"}}, nil, nil)
	require.NoError(t, err)

	d.drainOnce()

	require.Equal(t, 2, caller.callCount(rpcapi.MethodAvailableServerPort))
	require.Equal(t, 1, caller.callCount(rpcapi.MethodRunServer))

	m, ok := orch.Get("match-1")
	require.True(t, ok)
	require.NotEmpty(t, m.ReqEndpoint)
	require.NotEmpty(t, m.SubEndpoint)

	// The player task enqueued by OnServerStarted was already placed by the
	// same drainOnce (the worker still had 3 free slots), resolving its
	// champion artifact from the ChampionStore since PlayerSpec never
	// carries one directly out of match.Create. Draining again must not
	// dispatch it a second time.
	d.drainOnce()
	require.Equal(t, 1, caller.callCount(rpcapi.MethodRunClient))
}

func TestDispatchRequeuesOnRPCFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.failOn[rpcapi.MethodCompileChampion] = true
	d, reg, q, _ := newTestDispatcher(caller)
	id := registerWorker(reg, "worker-a", 9000, 4)

	tk := task.New(task.CompileSpec{User: "alice", ChampionID: "champ-1", Sources: []byte("src")})
	q.Enqueue(tk)

	d.drainOnce()

	w, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, 4, w.CurrentSlots) // restored after failure

	require.Equal(t, 1, q.Len())
}

func TestDispatchSkipsWhenNoCandidateFits(t *testing.T) {
	caller := newFakeCaller()
	d, _, q, _ := newTestDispatcher(caller)

	tk := task.New(task.CompileSpec{User: "alice", ChampionID: "champ-1", Sources: []byte("src")})
	q.Enqueue(tk)

	d.drainOnce()

	require.Equal(t, 0, caller.callCount(rpcapi.MethodCompileChampion))
	require.Equal(t, 1, q.Len())
}

func TestDispatchDropsOnAuthFailureInsteadOfRequeuing(t *testing.T) {
	caller := newFakeCaller()
	caller.authFail[rpcapi.MethodCompileChampion] = true
	d, reg, q, _ := newTestDispatcher(caller)
	id := registerWorker(reg, "worker-a", 9000, 4)

	tk := task.New(task.CompileSpec{User: "alice", ChampionID: "champ-1", Sources: []byte("src")})
	q.Enqueue(tk)

	d.drainOnce()

	w, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, 4, w.CurrentSlots) // slots still released on the error path

	require.Equal(t, 0, q.Len(), "auth-rejected task must be dropped, not requeued")
}

func TestRequeueOrphanedReEnqueuesTrackedTask(t *testing.T) {
	caller := newFakeCaller()
	d, reg, q, _ := newTestDispatcher(caller)
	registerWorker(reg, "worker-a", 9000, 4)

	tk := task.New(task.CompileSpec{User: "alice", ChampionID: "champ-1", Sources: []byte("src")})
	q.Enqueue(tk)

	d.drainOnce()
	require.Equal(t, 1, caller.callCount(rpcapi.MethodCompileChampion))
	require.Equal(t, 0, q.Len(), "dispatched task should be tracked, not left queued")

	d.RequeueOrphaned([]task.ID{tk.ID})
	require.Equal(t, 1, q.Len(), "orphaned task must come back onto the queue")

	// Forgetting it (the completion-callback path) means a second orphan
	// report for the same ID is a no-op.
	d.drainOnce()
	d.Forget(tk.ID)
	q2 := q.Len()
	d.RequeueOrphaned([]task.ID{tk.ID})
	require.Equal(t, q2, q.Len(), "forgotten task must not be requeued again")
}
