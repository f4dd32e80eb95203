package rental

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// DefaultBenchmarkRepo hosts benchmarks.sh and parse.py
const DefaultBenchmarkRepo = "https://github.com/Quok-it/benchmarking"

// BenchmarkSuite describes the remote benchmark checkout and its outputs
type BenchmarkSuite struct {
	RepoURL    string
	Dir        string // Checkout directory, relative to the login user's home
	Script     string
	Parser     string
	LogFile    string
	ResultFile string
}

// DefaultBenchmarkSuite returns the suite for repoURL, or the default repo if empty
func DefaultBenchmarkSuite(repoURL string) BenchmarkSuite {
	if repoURL == "" {
		repoURL = DefaultBenchmarkRepo
	}
	return BenchmarkSuite{
		RepoURL:    repoURL,
		Dir:        "benchmarking",
		Script:     "benchmarks.sh",
		Parser:     "parse.py",
		LogFile:    "benchmark_output.log",
		ResultFile: "parse_output.json",
	}
}

// SetupCommand clones a fresh checkout and makes the script executable
func (b BenchmarkSuite) SetupCommand() string {
	return fmt.Sprintf("rm -rf %s && git clone %s %s && cd %s && chmod +x %s",
		b.Dir, b.RepoURL, b.Dir, b.Dir, b.Script)
}

// RunCommand runs the suite, tees its log, then formats and prints the result record
func (b BenchmarkSuite) RunCommand() string {
	return fmt.Sprintf("cd %s && ./%s 2>&1 | tee %s && echo \"=== BENCHMARK COMPLETE ===\" && python3 %s | tee %s && cat %s",
		b.Dir, b.Script, b.LogFile, b.Parser, b.ResultFile, b.ResultFile)
}

// ResultPath is the result file location relative to the home directory
func (b BenchmarkSuite) ResultPath() string {
	return path.Join(b.Dir, b.ResultFile)
}

// LocateResult finds the last output line that opens a JSON object and
// decodes it. found is false if no line starts with '{'.
func LocateResult(output string) (result map[string]any, found bool, err error) {
	var candidate string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			candidate = trimmed
		}
	}
	if candidate == "" {
		return nil, false, nil
	}

	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrBenchmarkParseFailed, err)
	}
	return result, true, nil
}

// decodeResultFile decodes the contents of the result file
func decodeResultFile(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if !bytes.HasPrefix(data, []byte("{")) {
		return nil, fmt.Errorf("%w: no JSON output found in benchmark results or output file", ErrBenchmarkParseFailed)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBenchmarkParseFailed, err)
	}
	return result, nil
}

// runBenchmarks executes setup then the suite, and locates the structured
// result in the output stream or, failing that, the result file.
// Transport failures are returned unwrapped; missing or malformed results
// wrap ErrBenchmarkParseFailed.
func (w *workflow) runBenchmarks(ctx context.Context, remote RemoteSession) (map[string]any, error) {
	suite := w.o.suite

	_, stderr, err := remote.RunCommand(ctx, suite.SetupCommand())
	if err != nil {
		return nil, fmt.Errorf("benchmark setup: %w", err)
	}
	if stderr != "" {
		w.logger.WarnContext(ctx, "benchmark setup wrote to stderr",
			slog.String("stderr", stderr))
	}

	runCtx := ctx
	if w.o.benchmarkTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.o.benchmarkTimeout)
		defer cancel()
	}

	w.logger.InfoContext(ctx, "running benchmark suite",
		slog.String("repo", suite.RepoURL),
		slog.Duration("timeout", w.o.benchmarkTimeout))

	stdout, stderr, err := remote.RunLongCommand(runCtx, suite.RunCommand())
	if err != nil {
		return nil, fmt.Errorf("benchmark run: %w", err)
	}

	w.logger.DebugContext(ctx, "benchmark output",
		slog.String("stdout", stdout),
		slog.String("stderr", stderr))

	result, found, err := LocateResult(stdout)
	if err != nil {
		return nil, err
	}
	if found {
		return result, nil
	}

	w.logger.InfoContext(ctx, "no result record in output, reading result file",
		slog.String("path", suite.ResultPath()))

	data, err := remote.ReadFile(ctx, suite.ResultPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBenchmarkParseFailed, err)
	}
	return decodeResultFile(data)
}
