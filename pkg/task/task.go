// Package task defines the immutable unit-of-work descriptors dispatched
// by the master to workers: champion compilations, match-server runs, and
// player-client runs.
//
// Design Principles:
//   1. Immutability - once enqueued, a Task's Spec never changes
//   2. Slot weights - each Spec declares the capacity it consumes for its
//      duration (compile=1, server=1, player=2), reflecting that player
//      processes are the CPU-intensive leaves of a match
//
// Core Types:
//   - Task: envelope carrying an ID, a Kind and a Spec
//   - CompileSpec / ServerSpec / PlayerSpec: per-kind payloads
package task

import "github.com/google/uuid"

// ID uniquely identifies a task once enqueued.
type ID string

// NewID generates a fresh, unique task ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// Kind identifies which of the three job types a Task carries.
type Kind string

const (
	KindCompile Kind = "compile"
	KindServer  Kind = "server"
	KindPlayer  Kind = "player"
)

// Spec is implemented by CompileSpec, ServerSpec and PlayerSpec.
type Spec interface {
	// SlotsTaken returns the number of worker slots this job consumes for
	// its duration.
	SlotsTaken() int
	Kind() Kind
}

// CompileSpec describes a champion compilation job.
type CompileSpec struct {
	User      string
	ChampionID string
	// Sources is the champion's source archive (tar.gz), held only long
	// enough to be base64-encoded onto the wire.
	Sources []byte
}

func (CompileSpec) SlotsTaken() int { return 1 }
func (CompileSpec) Kind() Kind      { return KindCompile }

// ServerSpec describes a match-referee run. It creates the endpoints the
// match's players will connect to.
type ServerSpec struct {
	MatchID     string
	Options     map[string]string
	FileOptions map[string]string // label -> base64 file content
	PlayerCount int
}

func (ServerSpec) SlotsTaken() int { return 1 }
func (ServerSpec) Kind() Kind      { return KindServer }

// PlayerSpec describes a single player-client run connected to an
// already-running match server.
type PlayerSpec struct {
	MatchID       string
	ServerHost    string
	ReqEndpoint   string
	SubEndpoint   string
	ChampionID    string
	MatchPlayerID string
	User          string
	Options       map[string]string
	FileOptions   map[string]string
	ChampionArchive []byte
}

func (PlayerSpec) SlotsTaken() int { return 2 }
func (PlayerSpec) Kind() Kind      { return KindPlayer }

// Task is the queued, immutable unit of work.
type Task struct {
	ID   ID
	Spec Spec
}

// SlotsTaken is a convenience forward to the underlying Spec.
func (t Task) SlotsTaken() int { return t.Spec.SlotsTaken() }

// Kind is a convenience forward to the underlying Spec.
func (t Task) Kind() Kind { return t.Spec.Kind() }

// New wraps a Spec into a Task with a freshly generated ID.
func New(spec Spec) Task {
	return Task{ID: NewID(), Spec: spec}
}
