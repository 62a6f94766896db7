package sandbox

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/srtbox/srt/internal/config"
	"github.com/srtbox/srt/internal/logging"
	"github.com/srtbox/srt/internal/platform"
	"github.com/srtbox/srt/internal/proxy"
)

// Manager handles sandbox initialization, policy updates, and command
// wrapping. It owns the proxies, the violation store, the platform
// monitor, and (optionally) a control-FD reader.
type Manager struct {
	config        *config.Config
	filter        *proxy.Filter
	store         *Store
	httpProxy     *proxy.HTTPProxy
	socksProxy    *proxy.SOCKSProxy
	linuxBridge   *LinuxBridge
	reverseBridge *ReverseBridge
	logMonitor    *LogMonitor
	linuxMonitors *LinuxMonitors
	control       *ControlChannel
	configWatcher *ConfigWatcher
	httpPort      int
	socksPort     int
	exposedPorts  []int
	debug         bool
	monitor       bool
	initialized   bool
	log           *slog.Logger
}

// NewManager creates a new sandbox manager for cfg.
func NewManager(cfg *config.Config, debug, monitor bool) *Manager {
	store := NewStore(0)
	if cfg != nil {
		store.SetIgnore(cfg.IgnoreViolations)
	}
	return &Manager{
		config:  cfg,
		debug:   debug,
		monitor: monitor,
		store:   store,
		filter:  proxy.NewFilter(cfg, debug),
		log:     logging.For("manager"),
	}
}

// SetExposedPorts sets the ports to expose for inbound connections.
func (m *Manager) SetExposedPorts(ports []int) {
	m.exposedPorts = ports
}

// Store returns the manager's violation store.
func (m *Manager) Store() *Store {
	return m.store
}

// Violations returns a snapshot of currently retained violations.
func (m *Manager) Violations() []Violation {
	return m.store.Snapshot()
}

// Initialize sets up the sandbox infrastructure (proxies, bridges,
// monitor). Idempotent: a second call on an already-initialized manager
// is a no-op.
func (m *Manager) Initialize() error {
	if m.initialized {
		return nil
	}

	plat := platform.Detect()
	if !platform.IsSupported(plat) {
		return fmt.Errorf("sandbox is not supported on platform: %s", plat)
	}

	if plat == platform.Linux {
		if err := platform.CheckWSL(); err != nil {
			return err
		}
	}

	recorder := m.makeRecorder()

	if m.config != nil && m.config.Network.HTTPProxyPort > 0 && m.config.Network.SOCKSProxyPort > 0 {
		// External proxies are already running; just point the child at them.
		m.httpPort = m.config.Network.HTTPProxyPort
		m.socksPort = m.config.Network.SOCKSProxyPort
		m.logDebug("Using external proxies: HTTP %d, SOCKS %d", m.httpPort, m.socksPort)
	} else {
		m.httpProxy = proxy.NewHTTPProxy(m.filter, recorder, m.debug, m.monitor)
		httpPort, err := m.httpProxy.Start()
		if err != nil {
			return fmt.Errorf("failed to start HTTP proxy: %w", err)
		}
		m.httpPort = httpPort

		m.socksProxy = proxy.NewSOCKSProxy(m.filter, recorder, m.debug, m.monitor)
		socksPort, err := m.socksProxy.Start()
		if err != nil {
			m.httpProxy.Stop()
			return fmt.Errorf("failed to start SOCKS proxy: %w", err)
		}
		m.socksPort = socksPort
	}

	// On Linux, set up the socat bridges
	if plat == platform.Linux {
		bridge, err := NewLinuxBridge(m.httpPort, m.socksPort, m.debug)
		if err != nil {
			m.stopProxies()
			return fmt.Errorf("failed to initialize Linux bridge: %w", err)
		}
		m.linuxBridge = bridge

		// Set up reverse bridge for exposed ports (inbound connections)
		if len(m.exposedPorts) > 0 {
			reverseBridge, err := NewReverseBridge(m.exposedPorts, m.debug)
			if err != nil {
				m.linuxBridge.Cleanup()
				m.stopProxies()
				return fmt.Errorf("failed to initialize reverse bridge: %w", err)
			}
			m.reverseBridge = reverseBridge
		}
	}

	if m.monitor {
		m.startMonitor()
	}

	m.initialized = true
	m.logDebug("Sandbox manager initialized (HTTP proxy: %d, SOCKS proxy: %d)", m.httpPort, m.socksPort)
	return nil
}

// startMonitor wires the platform-appropriate violation monitor into the
// shared Store. macOS tails the unified log immediately; Linux tails
// bubblewrap's stderr once the sandboxed process has started, via
// AttachLinuxStderr.
func (m *Manager) startMonitor() {
	if platform.Detect() != platform.MacOS {
		return
	}
	mon := NewLogMonitor(GetSessionSuffix(), m.store)
	if mon == nil {
		return
	}
	if err := mon.Start(); err != nil {
		m.logDebug("failed to start log monitor: %v", err)
		return
	}
	m.logMonitor = mon
}

// AttachLinuxStderr begins tailing the sandboxed command's stderr for
// bubblewrap denial lines, plus eBPF syscall tracing on pid when available.
// Call once the command has been started. No-op on macOS or when
// monitoring was not requested.
func (m *Manager) AttachLinuxStderr(stderr *os.File, pid int) {
	if !m.monitor || platform.Detect() != platform.Linux {
		return
	}
	monitors, err := StartLinuxMonitor(stderr, pid, m.store, LinuxSandboxOptions{
		Monitor: true,
		Debug:   m.debug,
	})
	if err != nil {
		m.logDebug("failed to start linux monitor: %v", err)
		return
	}
	m.linuxMonitors = monitors
}

// EnableControl wires a control-FD reader over fd.
func (m *Manager) EnableControl(fd int) error {
	ch, err := NewControlChannel(fd, m)
	if err != nil {
		return err
	}
	ch.Start()
	m.control = ch
	return nil
}

// EnableConfigWatch watches path for changes and feeds reloads through
// UpdatePolicy, the same path a control-FD "update" message takes.
func (m *Manager) EnableConfigWatch(path string, reload func(string) (*config.Config, error)) error {
	cw, err := NewConfigWatcher(path, m, reload, m.debug)
	if err != nil {
		return err
	}
	cw.Start()
	m.configWatcher = cw
	return nil
}

// UpdatePolicy validates and publishes a new policy snapshot. In-flight
// proxy connections continue on the snapshot they already captured.
func (m *Manager) UpdatePolicy(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	m.filter.Update(cfg)
	m.store.SetIgnore(cfg.IgnoreViolations)
	m.logDebug("policy updated")
	return nil
}

// WrapCommand wraps a command with sandbox restrictions and returns the
// resulting Session.
func (m *Manager) WrapCommand(command string) (*Session, error) {
	if !m.initialized {
		if err := m.Initialize(); err != nil {
			return nil, err
		}
	}

	cwd, _ := os.Getwd()

	var wrapped string
	var err error
	switch platform.Detect() {
	case platform.MacOS:
		wrapped, err = WrapCommandMacOS(m.config, command, m.httpPort, m.socksPort, m.exposedPorts, m.debug)
	case platform.Linux:
		wrapped, err = WrapCommandLinux(m.config, command, m.linuxBridge, m.reverseBridge, m.debug)
	default:
		err = fmt.Errorf("unsupported platform: %s", platform.Detect())
	}
	if err != nil {
		return nil, err
	}

	return newSession(m.config, cwd, GenerateProxyEnvVars(m.httpPort, m.socksPort), wrapped), nil
}

// Cleanup stops the proxies, monitors, bridges, and control channel.
func (m *Manager) Cleanup() {
	if m.configWatcher != nil {
		m.configWatcher.Stop()
	}
	if m.control != nil {
		m.control.Stop()
	}
	if m.logMonitor != nil {
		m.logMonitor.Stop()
	}
	if m.linuxMonitors != nil {
		m.linuxMonitors.Stop()
	}
	if m.reverseBridge != nil {
		m.reverseBridge.Cleanup()
	}
	if m.linuxBridge != nil {
		m.linuxBridge.Cleanup()
	}
	m.stopProxies()
	m.logDebug("Sandbox manager cleaned up")
}

func (m *Manager) stopProxies() {
	if m.httpProxy != nil {
		m.httpProxy.Stop()
	}
	if m.socksProxy != nil {
		m.socksProxy.Stop()
	}
}

// makeRecorder adapts the proxy package's string-keyed violation callback
// to the sandbox package's typed Store.
func (m *Manager) makeRecorder() proxy.RecordViolation {
	return func(kind, subject, raw string) {
		k := ViolationUnknown
		switch kind {
		case "network_denied":
			k = ViolationNetworkDenied
		case "fs_read_denied":
			k = ViolationFSReadDenied
		case "fs_write_denied":
			k = ViolationFSWriteDenied
		case "unix_socket_denied":
			k = ViolationUnixSocketDenied
		}
		m.store.Record(Violation{Kind: k, Subject: subject, Raw: raw})
	}
}

func (m *Manager) logDebug(format string, args ...interface{}) {
	if m.debug {
		m.log.Debug(fmt.Sprintf(format, args...))
	}
}

// HTTPPort returns the HTTP proxy port.
func (m *Manager) HTTPPort() int {
	return m.httpPort
}

// SOCKSPort returns the SOCKS proxy port.
func (m *Manager) SOCKSPort() int {
	return m.socksPort
}
