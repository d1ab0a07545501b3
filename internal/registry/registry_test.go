package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prologin-contest/contestmaster/pkg/task"
)

func TestOnHeartbeatRegistersNewWorker(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}

	orphaned := r.OnHeartbeat(id, 4, 4, true)
	require.Empty(t, orphaned)

	w, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, 4, w.MaxSlots)
	require.Equal(t, 4, w.CurrentSlots)
}

func TestOnHeartbeatRestartOrphansInFlightTasks(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)

	tid := task.NewID()
	require.True(t, r.ReserveSlots(id, tid, 2))

	orphaned := r.OnHeartbeat(id, 4, 4, true) // first_heartbeat again: worker restarted
	require.ElementsMatch(t, []task.ID{tid}, orphaned)

	w, _ := r.Get(id)
	require.Empty(t, w.TasksInFlight)
}

func TestReapDeadEvictsStaleWorkers(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)
	tid := task.NewID()
	r.ReserveSlots(id, tid, 1)

	orphaned := r.ReapDead(time.Now().Add(time.Hour), time.Minute)
	require.ElementsMatch(t, []task.ID{tid}, orphaned)

	_, ok := r.Get(id)
	require.False(t, ok)
}

func TestSelectCandidatesOrdersDeterministically(t *testing.T) {
	r := NewRegistry()
	r.OnHeartbeat(WorkerID{Hostname: "b-host", Port: 1}, 4, 2, true)
	r.OnHeartbeat(WorkerID{Hostname: "a-host", Port: 1}, 4, 3, true)
	r.OnHeartbeat(WorkerID{Hostname: "c-host", Port: 1}, 4, 3, true)

	out := r.SelectCandidates(1)
	require.Len(t, out, 3)
	// Descending CurrentSlots first: both 3-slot workers ahead of the 2-slot one.
	require.Equal(t, 3, out[0].CurrentSlots)
	require.Equal(t, 3, out[1].CurrentSlots)
	require.Equal(t, 2, out[2].CurrentSlots)
	// Tie-break ascending hostname among equal CurrentSlots.
	require.Equal(t, "a-host", out[0].ID.Hostname)
	require.Equal(t, "c-host", out[1].ID.Hostname)
}

func TestSelectCandidatesExcludesInsufficientSlots(t *testing.T) {
	r := NewRegistry()
	r.OnHeartbeat(WorkerID{Hostname: "worker-a", Port: 1}, 4, 1, true)

	require.Empty(t, r.SelectCandidates(2))
	require.Len(t, r.SelectCandidates(1), 1)
}

func TestReserveAndReleaseSlots(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)
	tid := task.NewID()

	require.True(t, r.ReserveSlots(id, tid, 2))
	w, _ := r.Get(id)
	require.Equal(t, 2, w.CurrentSlots)

	r.ReleaseSlots(id, tid, 2)
	w, _ = r.Get(id)
	require.Equal(t, 4, w.CurrentSlots)
	require.Empty(t, w.TasksInFlight)
}

func TestReserveSlotsFailsWhenInsufficient(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 1, true)

	require.False(t, r.ReserveSlots(id, task.NewID(), 2))
}

func TestOnWorkerUpdateOverwritesCurrentSlots(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)

	r.OnWorkerUpdate(id, 1)
	w, _ := r.Get(id)
	require.Equal(t, 1, w.CurrentSlots)
}

func TestForgetTaskByIDFindsOwningWorker(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)
	tid := task.NewID()
	require.True(t, r.ReserveSlots(id, tid, 2))

	r.ForgetTaskByID(tid)

	w, _ := r.Get(id)
	require.Empty(t, w.TasksInFlight)
	require.Equal(t, 2, w.CurrentSlots, "ForgetTaskByID only clears the in-flight record, not slot accounting")
}

func TestForgetTaskByIDUnknownIDIsNoop(t *testing.T) {
	r := NewRegistry()
	id := WorkerID{Hostname: "worker-a", Port: 9000}
	r.OnHeartbeat(id, 4, 4, true)

	require.NotPanics(t, func() { r.ForgetTaskByID(task.NewID()) })
}
