package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prologin-contest/contestmaster/pkg/task"
)

func TestEnqueueAndDrainFIFOOrder(t *testing.T) {
	q := New()
	t1 := task.New(task.CompileSpec{ChampionID: "c1"})
	t2 := task.New(task.CompileSpec{ChampionID: "c2"})
	q.Enqueue(t1)
	q.Enqueue(t2)

	require.Equal(t, 2, q.Len())

	out, ok := q.DrainNextDispatchable(func(int) bool { return true })
	require.True(t, ok)
	require.Equal(t, t1.ID, out.ID)

	out, ok = q.DrainNextDispatchable(func(int) bool { return true })
	require.True(t, ok)
	require.Equal(t, t2.ID, out.ID)

	require.Equal(t, 0, q.Len())
}

func TestDrainNextDispatchableSkipsUnfittable(t *testing.T) {
	q := New()
	compile := task.New(task.CompileSpec{ChampionID: "c1"}) // 1 slot
	player := task.New(task.PlayerSpec{MatchPlayerID: "p1"}) // 2 slots
	q.Enqueue(player)
	q.Enqueue(compile)

	// only 1-slot tasks fit: the 2-slot player at the head is skipped over.
	out, ok := q.DrainNextDispatchable(func(slots int) bool { return slots <= 1 })
	require.True(t, ok)
	require.Equal(t, compile.ID, out.ID)
	require.Equal(t, 1, q.Len())
}

func TestDrainNextDispatchableReturnsFalseWhenNothingFits(t *testing.T) {
	q := New()
	q.Enqueue(task.New(task.PlayerSpec{MatchPlayerID: "p1"}))

	_, ok := q.DrainNextDispatchable(func(slots int) bool { return slots <= 1 })
	require.False(t, ok)
}

func TestRequeueTailPreservesOtherOrder(t *testing.T) {
	q := New()
	t1 := task.New(task.CompileSpec{ChampionID: "c1"})
	t2 := task.New(task.CompileSpec{ChampionID: "c2"})
	q.Enqueue(t1)
	q.RequeueTail(t2)

	out, _ := q.DrainNextDispatchable(func(int) bool { return true })
	require.Equal(t, t1.ID, out.ID)
	out, _ = q.DrainNextDispatchable(func(int) bool { return true })
	require.Equal(t, t2.ID, out.ID)
}

func TestWakeFiresOnEnqueue(t *testing.T) {
	q := New()
	q.Enqueue(task.New(task.CompileSpec{ChampionID: "c1"}))

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal after enqueue")
	}
}
