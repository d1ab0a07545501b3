// ============================================================================
// Job Runner
// ============================================================================
//
// Package: internal/agent
// File: runner.go
// Purpose: Executes the three worker job kinds as subprocesses: compile a
// champion, run a match server (with its spectator dumper), run a player
// client. Grounded line-for-line on
// original_source/workernode/operations.py (compile_champion, spawn_server,
// spawn_dumper, spawn_client) and on internal/worker/worker.go's
// per-task-goroutine concurrency model.
//
// ============================================================================

package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

var log = slog.Default()

// clientStdoutLimit mirrors operations.py's max_len=2**18 truncation for
// player client stdout (spec.md §4, "Supplemented features").
const clientStdoutLimit = 1 << 18

const truncateMessage = "\n\nLog truncated to stay below 256K.\n"

// PathConfig locates the external binaries and scripts the runner
// invokes, following spec.md §6's `path.*` configuration surface.
type PathConfig struct {
	CompileScript string
	Makefiles     string
	StechecServer string
	StechecClient string
	Rules         string
	Dumper        string // optional; empty disables the spectator dump
}

// TimeoutConfig bounds each subprocess kind, per spec.md §6's
// `timeout.*` surface.
type TimeoutConfig struct {
	Compile time.Duration
	Server  time.Duration
	Dumper  time.Duration
	Client  time.Duration
}

// Runner executes worker jobs as subprocesses in scratch directories.
type Runner struct {
	Paths    PathConfig
	Timeouts TimeoutConfig
}

// NewRunner builds a Runner from path and timeout configuration.
func NewRunner(paths PathConfig, timeouts TimeoutConfig) *Runner {
	return &Runner{Paths: paths, Timeouts: timeouts}
}

// CompileResult is the outcome of a compile job.
type CompileResult struct {
	OK       bool
	Artifact []byte
	Log      string
}

// CompileChampion untars sources into a scratch dir, runs the compile
// script, and reads back the compiled artifact and log. Grounded on
// operations.py's compile_champion.
func (r *Runner) CompileChampion(ctx context.Context, sources []byte) (CompileResult, error) {
	dir, err := os.MkdirTemp("", "champion-compile-*")
	if err != nil {
		return CompileResult{}, fmt.Errorf("agent: compile scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := untar(sources, dir); err != nil {
		return CompileResult{}, fmt.Errorf("agent: untar sources: %w", err)
	}

	compileCtx, cancel := context.WithTimeout(ctx, r.timeoutOr(r.Timeouts.Compile, 400*time.Second))
	defer cancel()

	cmd := exec.CommandContext(compileCtx, r.Paths.CompileScript, r.Paths.Makefiles, dir)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout
	runErr := cmd.Run()

	result := CompileResult{
		OK:  runErr == nil,
		Log: stdout.String(),
	}

	if result.OK {
		artifactPath := filepath.Join(dir, "champion-compiled.tar.gz")
		artifact, err := os.ReadFile(artifactPath)
		if err != nil {
			result.OK = false
			result.Log += "\nworkernode: missing compiled artifact: " + err.Error()
			return result, nil
		}
		result.Artifact = artifact
	}
	return result, nil
}

// ServerResult is the outcome of running a match server plus its
// spectator dumper.
type ServerResult struct {
	Scores map[string]int // match_player_id -> score, parsed from stdout
	Dump   []byte         // gzip-compressed dumper output, may be empty
}

// RunServer runs the stechec referee server and the spectator dumper
// concurrently against the given endpoints, and parses the referee's
// stdout for per-player scores. Grounded on operations.py's
// spawn_server/spawn_dumper pair, run concurrently via asyncio.wait in
// the original.
func (r *Runner) RunServer(ctx context.Context, reqEndpoint, subEndpoint string, playerCount int, opts, fileOpts map[string]string) (ServerResult, error) {
	fopts, cleanup, err := materializeFileOpts(fileOpts)
	if err != nil {
		return ServerResult{}, fmt.Errorf("agent: run server: %w", err)
	}
	defer cleanup()

	serverCh := make(chan serverOutcome, 1)
	dumpCh := make(chan []byte, 1)

	go func() {
		stdout, err := r.runServerProcess(ctx, reqEndpoint, subEndpoint, playerCount, opts, fopts)
		serverCh <- serverOutcome{stdout: stdout, err: err}
	}()
	go func() {
		dumpCh <- r.runDumper(ctx, reqEndpoint, subEndpoint, opts, fopts)
	}()

	outcome := <-serverCh
	dump := <-dumpCh

	if outcome.err != nil {
		return ServerResult{Dump: dump}, outcome.err
	}

	return ServerResult{
		Scores: parseScores(outcome.stdout),
		Dump:   dump,
	}, nil
}

type serverOutcome struct {
	stdout string
	err    error
}

func (r *Runner) runServerProcess(ctx context.Context, reqEndpoint, subEndpoint string, playerCount int, opts map[string]string, fopts []string) (string, error) {
	serverCtx, cancel := context.WithTimeout(ctx, r.timeoutOr(r.Timeouts.Server, 400*time.Second))
	defer cancel()

	args := []string{
		"--rules", r.Paths.Rules,
		"--rep_addr", reqEndpoint,
		"--pub_addr", subEndpoint,
		"--nb_clients", fmt.Sprintf("%d", playerCount+1),
		"--time", "3000",
		"--socket_timeout", "45000",
		"--verbose", "1",
	}
	args = append(args, flattenOpts(opts)...)
	args = append(args, fopts...)

	cmd := exec.CommandContext(serverCtx, r.Paths.StechecServer, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if serverCtx.Err() == context.DeadlineExceeded {
			log.Error("server timeout")
			return "workernode: Server timeout", nil
		}
		log.Error("server failed", "error", err, "stdout", stdout.String())
	}
	return stdout.String(), nil
}

// runDumper runs the spectator client that produces the replay dump. A
// dumper timeout is tolerated -- whatever was captured is still
// gzip-compressed and returned, per operations.py's "even after a
// timeout, a dump might be available (at worst it's empty)".
func (r *Runner) runDumper(ctx context.Context, reqEndpoint, subEndpoint string, opts map[string]string, fopts []string) []byte {
	if r.Paths.Dumper == "" {
		return nil
	}

	dumperCtx, cancel := context.WithTimeout(ctx, r.timeoutOr(r.Timeouts.Dumper, 400*time.Second))
	defer cancel()

	dumpFile, err := os.CreateTemp("", "dump-*")
	if err != nil {
		log.Error("dumper: scratch file", "error", err)
		return nil
	}
	dumpPath := dumpFile.Name()
	dumpFile.Close()
	defer os.Remove(dumpPath)

	args := []string{
		"--name", "dumper",
		"--rules", r.Paths.Rules,
		"--champion", r.Paths.Dumper,
		"--req_addr", reqEndpoint,
		"--sub_addr", subEndpoint,
		"--memory", "250000",
		"--time", "3000",
		"--socket_timeout", "45000",
		"--spectator",
		"--verbose", "1",
	}
	args = append(args, flattenOpts(opts)...)
	args = append(args, fopts...)

	cmd := exec.CommandContext(dumperCtx, r.Paths.StechecClient, args...)
	cmd.Env = append(os.Environ(), "DUMP_PATH="+dumpPath)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil && dumperCtx.Err() == context.DeadlineExceeded {
		log.Error("dumper timeout")
	}

	raw, err := os.ReadFile(dumpPath)
	if err != nil {
		return nil
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(raw); err != nil {
		return nil
	}
	gw.Close()
	return gzBuf.Bytes()
}

// ClientResult is the outcome of running one player client.
type ClientResult struct {
	ExitCode int
	Stdout   []byte
}

// RunClient untars a champion archive and runs the stechec player
// client against the match server, truncating stdout at 256 KiB.
// Grounded on operations.py's spawn_client.
func (r *Runner) RunClient(ctx context.Context, reqEndpoint, subEndpoint, matchPlayerID string, champion []byte, opts, fileOpts map[string]string) (ClientResult, error) {
	dir, err := os.MkdirTemp("", "champion-run-*")
	if err != nil {
		return ClientResult{}, fmt.Errorf("agent: run client scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := untar(champion, dir); err != nil {
		return ClientResult{}, fmt.Errorf("agent: untar champion: %w", err)
	}

	fopts, cleanup, err := materializeFileOpts(fileOpts)
	if err != nil {
		return ClientResult{}, fmt.Errorf("agent: run client: %w", err)
	}
	defer cleanup()

	clientCtx, cancel := context.WithTimeout(ctx, r.timeoutOr(r.Timeouts.Client, 400*time.Second))
	defer cancel()

	args := []string{
		"--name", matchPlayerID,
		"--rules", r.Paths.Rules,
		"--champion", filepath.Join(dir, "champion.so"),
		"--req_addr", reqEndpoint,
		"--sub_addr", subEndpoint,
		"--memory", "250000",
		"--socket_timeout", "45000",
		"--time", "1500",
		"--verbose", "1",
	}
	args = append(args, flattenOpts(opts)...)
	args = append(args, fopts...)

	cmd := exec.CommandContext(clientCtx, r.Paths.StechecClient, args...)
	cmd.Env = append(os.Environ(), "CHAMPION_PATH="+dir+"/")

	stdout, err := runTruncated(cmd, clientStdoutLimit)
	if clientCtx.Err() == context.DeadlineExceeded {
		log.Error("client timeout")
		return ClientResult{ExitCode: 1, Stdout: []byte("workernode: Client timeout")}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return ClientResult{ExitCode: exitErr.ExitCode(), Stdout: stdout}, nil
		}
		return ClientResult{}, fmt.Errorf("agent: run client: %w", err)
	}
	return ClientResult{ExitCode: 0, Stdout: stdout}, nil
}

func (r *Runner) timeoutOr(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

// runTruncated runs cmd capturing stdout, cutting it off and appending
// truncateMessage once limit bytes have been read -- mirrors
// communicate_forever's max_len/truncate_message behavior exactly.
func runTruncated(cmd *exec.Cmd, limit int) ([]byte, error) {
	var buf bytes.Buffer
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		limited := io.LimitReader(pr, int64(limit))
		io.Copy(&buf, limited)
		io.Copy(io.Discard, pr) // drain remainder so the process doesn't block on a full pipe
	}()

	runErr := cmd.Wait()
	pw.Close()
	<-done

	if buf.Len() >= limit {
		buf.WriteString(truncateMessage)
	}
	return buf.Bytes(), runErr
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func flattenOpts(opts map[string]string) []string {
	var out []string
	for k, v := range opts {
		out = append(out, k, v)
	}
	return out
}

// materializeFileOpts writes each file_options entry to a scratch temp
// file and returns the CLI flag pairs (label, path) to append to the
// subprocess invocation, per operations.py's create_file_opts. The
// returned cleanup func must be called once the subprocess has exited.
func materializeFileOpts(fileOpts map[string]string) ([]string, func(), error) {
	var flags []string
	var paths []string
	for label, b64content := range fileOpts {
		content, err := base64.StdEncoding.DecodeString(b64content)
		if err != nil {
			return nil, func() {}, fmt.Errorf("file_options %q: %w", label, err)
		}
		f, err := os.CreateTemp("", "file-opt-*")
		if err != nil {
			return nil, func() {}, err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return nil, func() {}, err
		}
		f.Close()
		flags = append(flags, label, f.Name())
		paths = append(paths, f.Name())
	}
	cleanup := func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}
	return flags, cleanup, nil
}

// untar extracts a gzip-compressed tar archive into dir.
func untar(content []byte, dir string) error {
	gr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		target := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// parseScores parses the referee server's stdout for "<player_id> <score> <stat>"
// lines, mirroring operations.py's score_re regex.
func parseScores(stdout string) map[string]int {
	scores := make(map[string]int)
	var pid, score, stat int
	for _, line := range splitLines(stdout) {
		n, err := fmt.Sscanf(line, "%d %d %d", &pid, &score, &stat)
		if err != nil || n != 3 {
			continue
		}
		scores[fmt.Sprintf("%d", pid)] = score
	}
	return scores
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
