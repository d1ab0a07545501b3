// ============================================================================
// Worker Service - RPC Handler Wiring + Heartbeat Sender
// ============================================================================
//
// Package: internal/workersvc
// File: workersvc.go
// Purpose: Binds the slot accountant, job runner and port cursor to the
// worker-facing RPC surface (spec.md §6), and drives the periodic
// heartbeat to the master. Grounded on
// original_source/cluster/workernode/__main__.py's WorkerNode class:
// send_heartbeat's loop shape, update_master's post-job publish, and one
// @prologin.rpc.remote_method per RPC becomes one Handler per RPC here.
//
// ============================================================================

package workersvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prologin-contest/contestmaster/internal/agent"
	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/rpcapi"
)

var log = slog.Default()

// Service is one worker process: its identity, capacity accounting, job
// runner, and the master it reports to.
type Service struct {
	Hostname string
	Port     int

	Slots  *agent.SlotAccountant
	Ports  *agent.PortCursor
	Runner *agent.Runner

	Master        *rpc.Client
	HeartbeatSecs time.Duration
}

// New builds a Service. hostname is resolved by the caller (os.Hostname
// in cmd/contestworker) so tests can inject a fixed value.
func New(hostname string, port int, maxSlots, portRangeStart, portRangeEnd int, runner *agent.Runner, master *rpc.Client, heartbeatSecs time.Duration) *Service {
	// port_range_end is exclusive (spec §4.5, §8's tested boundary: the
	// cursor must wrap to port_range_start after port_range_end-1), but
	// PortCursor itself hands out an inclusive [min, max]; narrow the top
	// of the range by one here to make it exclusive.
	return &Service{
		Hostname:      hostname,
		Port:          port,
		Slots:         agent.NewSlotAccountant(maxSlots),
		Ports:         agent.NewPortCursor(portRangeStart, portRangeEnd-1),
		Runner:        runner,
		Master:        master,
		HeartbeatSecs: heartbeatSecs,
	}
}

func (s *Service) info() rpcapi.WorkerInfo {
	cur, max := s.Slots.Snapshot()
	return rpcapi.WorkerInfo{Hostname: s.Hostname, Port: s.Port, MaxSlots: max, CurrentSlots: cur}
}

// SendHeartbeats loops sending heartbeat() to the master every
// HeartbeatSecs, exactly as WorkerNode.send_heartbeat does: first
// heartbeat is flagged so the master resets any stale in-flight state it
// remembers for this worker.
func (s *Service) SendHeartbeats(ctx context.Context) {
	first := true
	ticker := time.NewTicker(s.HeartbeatSecs)
	defer ticker.Stop()

	for {
		req := rpcapi.HeartbeatRequest{Worker: s.info(), FirstHeartbeat: first}
		var resp rpcapi.HeartbeatResponse
		if err := s.Master.Call(ctx, rpcapi.MethodHeartbeat, req, &resp); err != nil {
			log.Warn("master down, cannot send heartbeat", "error", err)
		} else {
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateMaster publishes current slot counts after a job starts or
// finishes, per async_work's "yield from self.update_master()" on both
// sides of a job.
func (s *Service) updateMaster(ctx context.Context) {
	req := rpcapi.UpdateWorkerRequest{Worker: s.info()}
	var resp rpcapi.UpdateWorkerResponse
	if err := s.Master.Call(ctx, rpcapi.MethodUpdateWorker, req, &resp); err != nil {
		log.Warn("master down, cannot update it", "error", err)
	}
}

// RegisterHandlers binds every worker-surface RPC method to srv.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(rpcapi.MethodAvailableServerPort, s.handleAvailableServerPort)
	srv.Handle(rpcapi.MethodCompileChampion, s.handleCompileChampion)
	srv.Handle(rpcapi.MethodRunServer, s.handleRunServer)
	srv.Handle(rpcapi.MethodRunClient, s.handleRunClient)
}

func (s *Service) handleAvailableServerPort(r *http.Request, body json.RawMessage) (interface{}, error) {
	return rpcapi.AvailableServerPortResponse{Port: s.Ports.Next()}, nil
}

// handleCompileChampion runs the compile job asynchronously (the RPC
// returns immediately with the slots consumed, matching async_work's
// fire-and-forget asyncio.Task), reporting the result back to the master
// via compilation_result once done.
func (s *Service) handleCompileChampion(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.CompileChampionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("workersvc: decode compile_champion: %w", err)
	}

	sources, err := base64.StdEncoding.DecodeString(req.SourcesB64)
	if err != nil {
		return nil, fmt.Errorf("workersvc: decode sources: %w", err)
	}

	const slots = 1
	hadCapacity := s.Slots.Reserve(slots)
	if !hadCapacity {
		log.Warn("not enough slots to start the required job", "champion_id", req.ChampionID)
	}
	go func() {
		ctx := context.Background()
		s.updateMaster(ctx)
		defer func() {
			s.Slots.Release(slots)
			s.updateMaster(ctx)
		}()

		result, err := s.Runner.CompileChampion(ctx, sources)
		if err != nil {
			log.Error("compile failed", "champion_id", req.ChampionID, "error", err)
			return
		}

		resp := rpcapi.CompilationResultRequest{
			TaskID:      req.TaskID,
			ChampionID:  req.ChampionID,
			ArtifactB64: base64.StdEncoding.EncodeToString(result.Artifact),
			LogB64:      base64.StdEncoding.EncodeToString([]byte(result.Log)),
		}
		var out rpcapi.CompilationResultResponse
		if err := s.Master.Call(ctx, rpcapi.MethodCompilationResult, resp, &out); err != nil {
			log.Warn("master down, cannot send compiled result", "champion_id", req.ChampionID, "error", err)
		}
	}()

	return rpcapi.CompileChampionResponse{SlotsTaken: slots}, nil
}

func (s *Service) handleRunServer(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.RunServerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("workersvc: decode run_server: %w", err)
	}

	const slots = 1
	hadCapacity := s.Slots.Reserve(slots)
	if !hadCapacity {
		log.Warn("not enough slots to start the required job", "match_id", req.MatchID)
	}
	go func() {
		ctx := context.Background()
		s.updateMaster(ctx)
		defer func() {
			s.Slots.Release(slots)
			s.updateMaster(ctx)
		}()

		log.Info("starting server", "match_id", req.MatchID)
		result, err := s.Runner.RunServer(ctx, req.ReqEndpoint, req.SubEndpoint, req.PlayerCount, req.Options, req.FileOptions)
		if err != nil {
			log.Error("server run failed", "match_id", req.MatchID, "error", err)
		}
		log.Info("match done", "match_id", req.MatchID)

		scores := make([]rpcapi.PlayerScore, 0, len(result.Scores))
		for pid, score := range result.Scores {
			scores = append(scores, rpcapi.PlayerScore{MatchPlayerID: pid, Score: score})
		}

		req2 := rpcapi.MatchDoneRequest{
			TaskID:  req.TaskID,
			MatchID: req.MatchID,
			Scores:  scores,
			DumpB64: base64.StdEncoding.EncodeToString(result.Dump),
		}
		var out rpcapi.MatchDoneResponse
		if err := s.Master.Call(ctx, rpcapi.MethodMatchDone, req2, &out); err != nil {
			log.Warn("master down, cannot send match result", "match_id", req.MatchID, "error", err)
		}
	}()

	return rpcapi.RunServerResponse{SlotsTaken: slots}, nil
}

func (s *Service) handleRunClient(r *http.Request, body json.RawMessage) (interface{}, error) {
	var req rpcapi.RunClientRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("workersvc: decode run_client: %w", err)
	}

	champion, err := base64.StdEncoding.DecodeString(req.ChampionArchiveB64)
	if err != nil {
		return nil, fmt.Errorf("workersvc: decode champion archive: %w", err)
	}

	const slots = 2
	hadCapacity := s.Slots.Reserve(slots)
	if !hadCapacity {
		log.Warn("not enough slots to start the required job", "match_id", req.MatchID, "match_player_id", req.MatchPlayerID)
	}
	go func() {
		ctx := context.Background()
		s.updateMaster(ctx)
		defer func() {
			s.Slots.Release(slots)
			s.updateMaster(ctx)
		}()

		log.Info("running player", "match_id", req.MatchID, "match_player_id", req.MatchPlayerID)
		result, err := s.Runner.RunClient(ctx, req.ReqEndpoint, req.SubEndpoint, req.MatchPlayerID, champion, req.Options, req.FileOptions)
		if err != nil {
			log.Error("client run failed", "match_id", req.MatchID, "match_player_id", req.MatchPlayerID, "error", err)
			return
		}
		log.Info("player done", "match_id", req.MatchID, "match_player_id", req.MatchPlayerID)

		req2 := rpcapi.ClientDoneRequest{
			TaskID:        req.TaskID,
			MatchID:       req.MatchID,
			MatchPlayerID: req.MatchPlayerID,
			ExitCode:      result.ExitCode,
		}
		var out rpcapi.ClientDoneResponse
		if err := s.Master.Call(ctx, rpcapi.MethodClientDone, req2, &out); err != nil {
			log.Warn("master down, cannot send client result", "match_id", req.MatchID, "match_player_id", req.MatchPlayerID, "error", err)
		}
	}()

	return rpcapi.RunClientResponse{SlotsTaken: slots}, nil
}

// Hostname resolves the local hostname, falling back to "localhost" if
// the OS call fails (grounded on WorkerNode.__init__'s
// socket.gethostname() -- unlike Python, Go's os.Hostname can fail, so
// we need an explicit fallback).
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
