// Package main implements the srt CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/srtbox/srt/internal/config"
	"github.com/srtbox/srt/internal/logging"
	"github.com/srtbox/srt/internal/platform"
	"github.com/srtbox/srt/internal/sandbox"
	"github.com/srtbox/srt/internal/templates"
)

// Exit codes per the control-plane contract: the child's own status is
// passed through unchanged; these cover srt's own failure paths.
const (
	exitPolicyError  = 2
	exitSandboxError = 3
	exitUsageError   = 64
)

// Build-time variables (set via -ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	debug         bool
	monitor       bool
	settingsPath  string
	templateName  string
	listTemplates bool
	cmdString     string
	exposePorts   []string
	controlFd     int
	watchConfig   bool
	exitCode      int
	showVersion   bool
	linuxFeatures bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "srt [flags] -- [command...]",
		Short: "Run commands in a sandbox with network and filesystem restrictions",
		Long: `srt is a command-line tool that runs commands in a sandboxed environment
with network and filesystem restrictions.

By default, all network access not matched by a deny rule is allowed and
routed through the sandbox's filtering proxies. Configure allowed/denied
domains in ~/.srt.json or pass a settings file with --settings, or use a
built-in template with --template.

Examples:
  srt -- curl -s https://example.com    # Use -- to separate srt flags from command
  srt -c "echo hello && ls"             # Run with shell expansion
  srt --settings config.json npm install
  srt -t npm-install npm install        # Use built-in npm-install template
  srt -t code -- agent-cmd  # Use AI coding agents template
  srt -p 3000 -c "npm run dev"          # Expose port 3000 for inbound connections
  srt --list-templates                  # Show available built-in templates

Configuration file format (~/.srt.json):
{
  "network": {
    "allowedDomains": ["github.com", "*.npmjs.org"],
    "deniedDomains": []
  },
  "filesystem": {
    "denyRead": [],
    "allowWrite": ["."],
    "denyWrite": []
  },
  "command": {
    "deny": ["git push", "npm publish"]
  }
}`,
		RunE:          runCommand,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
	}

	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "Monitor and log sandbox violations (macOS: log stream, Linux: bwrap stderr)")
	rootCmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "Path to settings file (default: ~/.srt.json)")
	rootCmd.Flags().StringVarP(&templateName, "template", "t", "", "Use built-in template (e.g., code, npm-install)")
	rootCmd.Flags().BoolVar(&listTemplates, "list-templates", false, "List available templates")
	rootCmd.Flags().StringVarP(&cmdString, "c", "c", "", "Run command string directly (like sh -c)")
	rootCmd.Flags().StringArrayVarP(&exposePorts, "port", "p", nil, "Expose port for inbound connections (can be used multiple times)")
	rootCmd.Flags().IntVar(&controlFd, "control-fd", -1, "File descriptor for the control-plane channel (policy updates, violation queries)")
	rootCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Reload the policy automatically when the settings file changes")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().BoolVar(&linuxFeatures, "linux-features", false, "Show available Linux security features and exit")

	rootCmd.Flags().SetInterspersed(true)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == 0 {
			exitCode = exitUsageError
		}
	}
	os.Exit(exitCode)
}

func runCommand(cmd *cobra.Command, args []string) error {
	if debug {
		logging.SetLevel(slog.LevelDebug)
	} else if monitor {
		logging.SetLevel(slog.LevelWarn)
	}

	if showVersion {
		fmt.Printf("srt - lightweight, container-free sandbox for running untrusted commands\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Built:   %s\n", buildTime)
		fmt.Printf("  Commit:  %s\n", gitCommit)
		return nil
	}

	if linuxFeatures {
		printLinuxFeaturesTable()
		return nil
	}

	if listTemplates {
		printTemplatesTable()
		return nil
	}

	var command string
	switch {
	case cmdString != "":
		command = cmdString
	case len(args) > 0:
		command = strings.Join(args, " ")
	default:
		exitCode = exitUsageError
		return fmt.Errorf("no command specified. Use -c <command> or provide command arguments")
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[srt] Command: %s\n", command)
	}

	var ports []int
	for _, p := range exposePorts {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			exitCode = exitUsageError
			return fmt.Errorf("invalid port: %s", p)
		}
		ports = append(ports, port)
	}

	if debug && len(ports) > 0 {
		fmt.Fprintf(os.Stderr, "[srt] Exposing ports: %v\n", ports)
	}

	cfg, cfgPath, err := loadConfig()
	if err != nil {
		exitCode = exitPolicyError
		return err
	}

	manager := sandbox.NewManager(cfg, debug, monitor)
	manager.SetExposedPorts(ports)
	defer manager.Cleanup()

	if err := manager.Initialize(); err != nil {
		exitCode = exitSandboxError
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}

	if controlFd >= 0 {
		if err := manager.EnableControl(controlFd); err != nil {
			exitCode = exitSandboxError
			return fmt.Errorf("failed to enable control channel: %w", err)
		}
	}

	if watchConfig && cfgPath != "" {
		reload := func(p string) (*config.Config, error) {
			cfg, _, err := loadConfigFromFile(p)
			return cfg, err
		}
		if err := manager.EnableConfigWatch(cfgPath, reload); err != nil {
			exitCode = exitSandboxError
			return fmt.Errorf("failed to watch config file: %w", err)
		}
	}

	if err := sandbox.CheckCommand(command, cfg); err != nil {
		exitCode = exitPolicyError
		return err
	}

	session, err := manager.WrapCommand(command)
	if err != nil {
		exitCode = exitSandboxError
		return fmt.Errorf("failed to wrap command: %w", err)
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[srt] Session %s: %s\n", session.ID, session.WrappedCommand)
	}

	hardenedEnv := sandbox.GetHardenedEnv()
	if debug {
		if stripped := sandbox.GetStrippedEnvVars(os.Environ()); len(stripped) > 0 {
			fmt.Fprintf(os.Stderr, "[srt] Stripped dangerous env vars: %v\n", stripped)
		}
	}

	execCmd := exec.Command("sh", "-c", session.WrappedCommand) //nolint:gosec // wrapped command is constructed from user input - intentional
	execCmd.Env = hardenedEnv
	execCmd.Stdin = os.Stdin
	execCmd.Stdout = os.Stdout

	var stderrPipe *os.File
	if monitor {
		r, w, pipeErr := os.Pipe()
		if pipeErr != nil {
			exitCode = exitSandboxError
			return fmt.Errorf("failed to create stderr pipe: %w", pipeErr)
		}
		execCmd.Stderr = w
		stderrPipe = r
		defer func() {
			w.Close()
			r.Close()
		}()
	} else {
		execCmd.Stderr = os.Stderr
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := execCmd.Start(); err != nil {
		exitCode = exitSandboxError
		return fmt.Errorf("failed to start command: %w", err)
	}

	if stderrPipe != nil {
		manager.AttachLinuxStderr(stderrPipe, execCmd.Process.Pid)
	}

	go func() {
		sigCount := 0
		for sig := range sigChan {
			sigCount++
			if execCmd.Process == nil {
				continue
			}
			if sigCount >= 2 {
				_ = execCmd.Process.Kill()
			} else {
				_ = execCmd.Process.Signal(sig)
			}
		}
	}()

	if err := execCmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			return nil
		}
		exitCode = exitSandboxError
		return fmt.Errorf("command failed: %w", err)
	}

	return nil
}

// loadConfig resolves the effective policy from, in priority order: a
// named template, an explicit --settings path, or the default config path.
// The returned path is the settings file that produced cfg, or "" when the
// policy came from a built-in template (templates have nothing to watch).
func loadConfig() (cfg *config.Config, path string, err error) {
	switch {
	case templateName != "":
		cfg, err = templates.Load(templateName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load template: %w\nUse --list-templates to see available templates", err)
		}
		if debug {
			fmt.Fprintf(os.Stderr, "[srt] Using template: %s\n", templateName)
		}
		return cfg, "", nil
	case settingsPath != "":
		return loadConfigFromFile(settingsPath)
	default:
		configPath := config.DefaultConfigPath()
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		if loaded == nil {
			if debug {
				fmt.Fprintf(os.Stderr, "[srt] No config found at %s, using default (open network, deny all writes)\n", configPath)
			}
			return config.Default(), "", nil
		}
		resolved, err := templates.ResolveExtendsWithBaseDir(loaded, filepath.Dir(configPath))
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve extends: %w", err)
		}
		absPath, _ := filepath.Abs(configPath)
		return resolved, absPath, nil
	}
}

// loadConfigFromFile loads and resolves a settings file at path, returning
// the absolute path alongside it so callers can watch it for changes.
func loadConfigFromFile(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	absPath, _ := filepath.Abs(path)
	cfg, err = templates.ResolveExtendsWithBaseDir(cfg, filepath.Dir(absPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve extends: %w", err)
	}
	return cfg, absPath, nil
}

// printTemplatesTable renders the built-in template list.
func printTemplatesTable() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Template", "Description"})
	for _, tpl := range templates.List() {
		t.AppendRow(table.Row{tpl.Name, tpl.Description})
	}
	t.Render()
	fmt.Println()
	fmt.Println("Usage: srt -t <template> <command>")
	fmt.Println("Example: srt -t code -- code")
}

// printLinuxFeaturesTable renders the detected Linux security feature set.
func printLinuxFeaturesTable() {
	features := sandbox.DetectLinuxFeatures()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Feature", "Available"})
	t.AppendRow(table.Row{"bwrap", featureMark(features.HasBwrap)})
	t.AppendRow(table.Row{"socat", featureMark(features.HasSocat)})
	t.AppendRow(table.Row{"seccomp", featureMark(features.HasSeccomp)})
	t.AppendRow(table.Row{"landlock", fmt.Sprintf("%s (ABI %d)", featureMark(features.HasLandlock), features.LandlockABI)})
	t.AppendRow(table.Row{"eBPF", featureMark(features.HasEBPF)})
	t.AppendRow(table.Row{"net namespace", featureMark(features.CanUnshareNet)})
	t.Render()

	if err := platform.CheckWSL(); err != nil {
		fmt.Println()
		color.Yellow("note: %s", err.Error())
	}
}

func featureMark(ok bool) string {
	if ok {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}
