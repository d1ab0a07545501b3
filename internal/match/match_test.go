package match

import (
	"testing"
	"time"

	"github.com/prologin-contest/contestmaster/internal/registry"
	"github.com/prologin-contest/contestmaster/pkg/task"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *[]task.Task, *[]Match) {
	t.Helper()
	var enqueued []task.Task
	var done []Match
	o := New(
		func(tk task.Task) { enqueued = append(enqueued, tk) },
		func(m *Match) { done = append(done, *m) },
	)
	return o, &enqueued, &done
}

func TestCreateEnqueuesServerTask(t *testing.T) {
	o, enqueued, _ := newTestOrchestrator(t)

	players := []Player{{ChampionID: "c1", MatchPlayerID: "p1", User: "alice"}}
	tid, err := o.Create("m1", players, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tid == "" {
		t.Fatalf("expected non-empty task id")
	}
	if len(*enqueued) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(*enqueued))
	}
	if _, ok := (*enqueued)[0].Spec.(task.ServerSpec); !ok {
		t.Fatalf("expected ServerSpec task, got %T", (*enqueued)[0].Spec)
	}
}

func TestOnServerStartedIsIdempotent(t *testing.T) {
	o, enqueued, _ := newTestOrchestrator(t)
	players := []Player{
		{ChampionID: "c1", MatchPlayerID: "p1", User: "alice"},
		{ChampionID: "c2", MatchPlayerID: "p2", User: "bob"},
	}
	o.Create("m1", players, nil, nil)
	*enqueued = nil // drop the server task for this check

	worker := registry.WorkerID{Hostname: "w1", Port: 1234}
	o.OnServerStarted("m1", worker, "tcp://w1:9000", "tcp://w1:9001")
	if len(*enqueued) != 2 {
		t.Fatalf("expected 2 player tasks, got %d", len(*enqueued))
	}

	// A duplicate call (e.g. a retried MatchServerTask) must not re-emit.
	o.OnServerStarted("m1", worker, "tcp://w1:9000", "tcp://w1:9001")
	if len(*enqueued) != 2 {
		t.Fatalf("expected no new tasks on duplicate OnServerStarted, got %d total", len(*enqueued))
	}
}

func TestMatchDoneWaitsForAllPlayers(t *testing.T) {
	o, _, done := newTestOrchestrator(t)
	players := []Player{
		{ChampionID: "c1", MatchPlayerID: "p1", User: "alice"},
		{ChampionID: "c2", MatchPlayerID: "p2", User: "bob"},
	}
	o.Create("m1", players, nil, nil)
	o.OnServerStarted("m1", registry.WorkerID{Hostname: "w1", Port: 1}, "r", "s")

	o.OnMatchDone("m1", map[string]int{"p1": 10, "p2": 5}, nil)
	o.OnClientDone("m1", "p1", 0)

	if len(*done) != 0 {
		t.Fatalf("match should not be done until both players report, got %d done", len(*done))
	}

	o.OnClientDone("m1", "p2", 0)

	waitForAsync(t, func() bool { return len(*done) == 1 })
	m, ok := o.Get("m1")
	if !ok {
		t.Fatalf("match m1 should still be retrievable")
	}
	if m.Status != StatusDone {
		t.Fatalf("expected StatusDone, got %s", m.Status)
	}
}

func TestClientDoneBeforeMatchDoneIsStored(t *testing.T) {
	o, _, done := newTestOrchestrator(t)
	players := []Player{{ChampionID: "c1", MatchPlayerID: "p1", User: "alice"}}
	o.Create("m1", players, nil, nil)
	o.OnServerStarted("m1", registry.WorkerID{Hostname: "w1", Port: 1}, "r", "s")

	// Open Question (a): client_done arrives first.
	o.OnClientDone("m1", "p1", 0)
	if len(*done) != 0 {
		t.Fatalf("should not finish before scores are known")
	}

	o.OnMatchDone("m1", map[string]int{"p1": 42}, nil)
	waitForAsync(t, func() bool { return len(*done) == 1 })
}

func TestAbortForcesDoneWithFailureFlag(t *testing.T) {
	o, _, done := newTestOrchestrator(t)
	o.Create("m1", []Player{{ChampionID: "c1", MatchPlayerID: "p1"}}, nil, nil)

	o.Abort("m1")
	waitForAsync(t, func() bool { return len(*done) == 1 })

	m, _ := o.Get("m1")
	if !m.FailureFlag {
		t.Fatalf("expected FailureFlag set after Abort")
	}
}

// waitForAsync polls cond briefly since onDone is invoked from a
// goroutine (match.go's maybeFinishLocked).
func waitForAsync(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
