// Package rpcapi defines the concrete request/response shapes and method
// names for every RPC the master and workers exchange (spec.md §6).
// Explicit tagged structs per method, rather than dynamically-typed
// payloads. Payloads are decoded with encoding/json's defaults: a field
// not declared on the struct is ignored, not rejected.
package rpcapi

// Method names, one per RPC in spec.md §6.
const (
	// Master surface (called by workers).
	MethodHeartbeat         = "heartbeat"
	MethodUpdateWorker      = "update_worker"
	MethodCompilationResult = "compilation_result"
	MethodMatchDone         = "match_done"
	MethodClientDone        = "client_done"
	MethodStatus            = "status"

	// Worker surface (called by the master).
	MethodAvailableServerPort = "available_server_port"
	MethodCompileChampion     = "compile_champion"
	MethodRunServer           = "run_server"
	MethodRunClient           = "run_client"
)

// WorkerInfo is the liveness/capacity tuple a worker reports on every
// heartbeat and update_worker call.
type WorkerInfo struct {
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	MaxSlots     int    `json:"max_slots"`
	CurrentSlots int    `json:"current_slots"`
}

// --- Master surface ---

type HeartbeatRequest struct {
	Worker         WorkerInfo `json:"worker"`
	FirstHeartbeat bool       `json:"first_heartbeat"`
}

type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

type UpdateWorkerRequest struct {
	Worker WorkerInfo `json:"worker"`
}

type UpdateWorkerResponse struct {
	OK bool `json:"ok"`
}

type CompilationResultRequest struct {
	TaskID      string `json:"task_id"`
	ChampionID  string `json:"champion_id"`
	ArtifactB64 string `json:"artifact_b64"`
	LogB64      string `json:"log_b64"`
}

type CompilationResultResponse struct {
	OK bool `json:"ok"`
}

// PlayerScore is one (match_player_id, score) pair from the referee's
// authoritative score stream.
type PlayerScore struct {
	MatchPlayerID string `json:"match_player_id"`
	Score         int    `json:"score"`
}

type MatchDoneRequest struct {
	TaskID  string        `json:"task_id"`
	MatchID string        `json:"match_id"`
	Scores  []PlayerScore `json:"scores"`
	DumpB64 string        `json:"dump_b64"`
}

type MatchDoneResponse struct {
	OK bool `json:"ok"`
}

type ClientDoneRequest struct {
	TaskID        string `json:"task_id"`
	MatchID       string `json:"match_id"`
	MatchPlayerID string `json:"match_player_id"`
	ExitCode      int    `json:"exit_code"`
}

type ClientDoneResponse struct {
	OK bool `json:"ok"`
}

type StatusRequest struct{}

// WorkerStatus is one worker's entry in the operator status snapshot.
type WorkerStatus struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	MaxSlots      int    `json:"max_slots"`
	CurrentSlots  int    `json:"current_slots"`
	TasksInFlight int    `json:"tasks_in_flight"`
}

// MatchStatus is one match's entry in the operator status snapshot.
type MatchStatus struct {
	MatchID string `json:"match_id"`
	Status  string `json:"status"`
}

type StatusResponse struct {
	Workers        []WorkerStatus `json:"workers"`
	QueueDepth     int            `json:"queue_depth"`
	InFlightMatches []MatchStatus `json:"in_flight_matches"`
}

// --- Worker surface ---

type AvailableServerPortRequest struct{}

type AvailableServerPortResponse struct {
	Port int `json:"port"`
}

type CompileChampionRequest struct {
	TaskID     string `json:"task_id"`
	User       string `json:"user"`
	ChampionID string `json:"champion_id"`
	SourcesB64 string `json:"sources_b64"`
}

type CompileChampionResponse struct {
	SlotsTaken int `json:"slots_taken"`
}

type RunServerRequest struct {
	TaskID      string            `json:"task_id"`
	MatchID     string            `json:"match_id"`
	ReqEndpoint string            `json:"req_endpoint"`
	SubEndpoint string            `json:"sub_endpoint"`
	Options     map[string]string `json:"options"`
	FileOptions map[string]string `json:"file_options"`
	PlayerCount int               `json:"player_count"`
}

type RunServerResponse struct {
	SlotsTaken int `json:"slots_taken"`
}

type RunClientRequest struct {
	TaskID          string            `json:"task_id"`
	MatchID         string            `json:"match_id"`
	MatchPlayerID   string            `json:"match_player_id"`
	ServerHost      string            `json:"server_host"`
	ReqEndpoint     string            `json:"req_endpoint"`
	SubEndpoint     string            `json:"sub_endpoint"`
	ChampionArchiveB64 string         `json:"champion_archive_b64"`
	Options         map[string]string `json:"options"`
	FileOptions     map[string]string `json:"file_options"`
}

type RunClientResponse struct {
	SlotsTaken int `json:"slots_taken"`
}
