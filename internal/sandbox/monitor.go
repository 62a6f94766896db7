// Package sandbox provides sandboxing functionality for macOS and Linux.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/srtbox/srt/internal/platform"
)

// LogMonitor monitors sandbox violations via macOS log stream.
type LogMonitor struct {
	sessionSuffix string
	store         *Store
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	running       bool
}

// NewLogMonitor creates a new log monitor for the given session suffix.
// Returns nil on non-macOS platforms. store may be nil if violation
// retention isn't needed (stderr printing still happens).
func NewLogMonitor(sessionSuffix string, store *Store) *LogMonitor {
	if platform.Detect() != platform.MacOS {
		return nil
	}
	return &LogMonitor{
		sessionSuffix: sessionSuffix,
		store:         store,
	}
}

// Start begins monitoring the macOS unified log for sandbox violations.
func (m *LogMonitor) Start() error {
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	// Build predicate to filter for our session's violations
	// Note: We use the broader "_SBX" suffix to ensure we capture events
	// even if there's a slight delay in log delivery
	predicate := `eventMessage ENDSWITH "_SBX"`

	m.cmd = exec.CommandContext(ctx, "log", "stream",
		"--predicate", predicate,
		"--style", "compact",
	)

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start log stream: %w", err)
	}

	m.running = true

	// Parse log output in background
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			v, formatted, ok := parseViolation(line)
			if !ok {
				continue
			}
			if m.store != nil {
				m.store.Record(v)
			}
			fmt.Fprintf(os.Stderr, "%s\n", formatted)
		}
	}()

	// Give log stream a moment to initialize
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the log monitor.
func (m *LogMonitor) Stop() {
	if m == nil || !m.running {
		return
	}

	// Give a moment for any pending events to be processed
	time.Sleep(500 * time.Millisecond)

	if m.cancel != nil {
		m.cancel()
	}

	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
		m.cmd.Wait()
	}

	m.running = false
}

// violationPattern matches sandbox denial log entries
var violationPattern = regexp.MustCompile(`Sandbox: (\w+)\((\d+)\) deny\(\d+\) (\S+)(.*)`)

// parseViolation extracts a sandbox violation from a macOS log line.
// Returns ok=false if the line should be filtered out.
func parseViolation(line string) (Violation, string, bool) {
	// Skip header lines
	if strings.HasPrefix(line, "Filtering") || strings.HasPrefix(line, "Timestamp") {
		return Violation{}, "", false
	}

	// Skip duplicate report summaries
	if strings.Contains(line, "duplicate report") {
		return Violation{}, "", false
	}

	// Skip CMD64 marker lines (they follow the actual violation)
	if strings.HasPrefix(line, "CMD64_") {
		return Violation{}, "", false
	}

	// Match violation pattern
	matches := violationPattern.FindStringSubmatch(line)
	if matches == nil {
		return Violation{}, "", false
	}

	process := matches[1]
	pid := matches[2]
	operation := matches[3]
	details := strings.TrimSpace(matches[4])

	// Filter: only show network and file operations
	if !shouldShowViolation(operation) {
		return Violation{}, "", false
	}

	// Filter out noisy violations
	if isNoisyViolation(operation, details) {
		return Violation{}, "", false
	}

	v := Violation{
		Timestamp:    time.Now(),
		Kind:         classifyOperation(operation),
		Subject:      details,
		PolicyClause: operation,
		Raw:          fmt.Sprintf("%s(%s) %s", process, pid, line),
	}

	formatted := fmt.Sprintf("[srt:logstream] %s ✗ %s %s (%s:%s)", v.Timestamp.Format("15:04:05"), operation, details, process, pid)
	return v, formatted, true
}

// classifyOperation maps a Seatbelt operation name to a ViolationKind.
func classifyOperation(operation string) ViolationKind {
	switch {
	case strings.HasPrefix(operation, "network-"):
		return ViolationNetworkDenied
	case strings.HasPrefix(operation, "file-read"):
		return ViolationFSReadDenied
	case strings.HasPrefix(operation, "file-write"):
		return ViolationFSWriteDenied
	default:
		return ViolationUnknown
	}
}

// shouldShowViolation returns true if this violation type should be displayed.
func shouldShowViolation(operation string) bool {
	// Show network violations
	if strings.HasPrefix(operation, "network-") {
		return true
	}

	// Show file read/write violations
	if strings.HasPrefix(operation, "file-read") ||
		strings.HasPrefix(operation, "file-write") {
		return true
	}

	// Filter out everything else (mach-lookup, file-ioctl, etc.)
	return false
}

// isNoisyViolation returns true if this violation is system noise that should be filtered.
func isNoisyViolation(operation, details string) bool {
	// Filter out TTY/terminal writes (very noisy from any process that prints output)
	if strings.HasPrefix(details, "/dev/tty") ||
		strings.HasPrefix(details, "/dev/pts") {
		return true
	}

	// Filter out mDNSResponder (system DNS resolution socket)
	if strings.Contains(details, "mDNSResponder") {
		return true
	}

	// Filter out other system sockets that are typically noise
	if strings.HasPrefix(details, "/private/var/run/syslog") {
		return true
	}

	return false
}

// GetSessionSuffix returns the session suffix used for filtering.
// This is the same suffix used in macOS sandbox-exec profiles.
func GetSessionSuffix() string {
	return sessionSuffix // defined in macos.go
}

// bwrapDenialPattern matches the stderr bwrap emits when a bind, proc, or
// seccomp setup step fails inside the namespace (e.g. a bind source that
// disappeared, or --seccomp rejecting the supplied fd).
var bwrapDenialPattern = regexp.MustCompile(`^bwrap: (.*)`)

// LinuxStderrMonitor tails a sandboxed command's stderr pipe for
// bubblewrap-reported denials and records them into a Store. It runs
// unconditionally alongside EBPFMonitor (linux_ebpf.go): seccomp's own
// logging is silent by design (SECCOMP_RET_ERRNO never reaches dmesg or
// audit), so bwrap's stderr and, when CAP_BPF/root is available, eBPF
// tracing are the only two violation signals on Linux, both strictly
// weaker than the macOS log-stream monitor; see DESIGN.md.
type LinuxStderrMonitor struct {
	r       *os.File
	store   *Store
	debug   bool
	done    chan struct{}
	stopped bool
}

// NewLinuxStderrMonitor creates a monitor reading from r.
func NewLinuxStderrMonitor(r *os.File, store *Store, debug bool) *LinuxStderrMonitor {
	return &LinuxStderrMonitor{r: r, store: store, debug: debug, done: make(chan struct{})}
}

// Start begins scanning in the background.
func (m *LinuxStderrMonitor) Start() {
	go func() {
		defer close(m.done)
		scanner := bufio.NewScanner(m.r)
		for scanner.Scan() {
			line := scanner.Text()
			matches := bwrapDenialPattern.FindStringSubmatch(line)
			if matches == nil {
				if m.debug {
					fmt.Fprintf(os.Stderr, "%s\n", line)
				}
				continue
			}
			v := Violation{
				Timestamp: time.Now(),
				Kind:      ViolationUnknown,
				Subject:   matches[1],
				Raw:       line,
			}
			if m.store != nil {
				m.store.Record(v)
			}
			fmt.Fprintf(os.Stderr, "[srt:linux-monitor] %s\n", v)
		}
	}()
}

// Stop waits for the scanning goroutine to drain and exit.
func (m *LinuxStderrMonitor) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	<-m.done
}

