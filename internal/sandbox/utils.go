package sandbox

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ContainsGlobChars reports whether a path pattern contains glob metacharacters.
func ContainsGlobChars(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}

// RemoveTrailingGlobSuffix strips a trailing "/**" from a path pattern.
func RemoveTrailingGlobSuffix(pattern string) string {
	return strings.TrimSuffix(pattern, "/**")
}

// NormalizePath expands "~" and relative paths and resolves symlinks for
// non-glob patterns, producing an absolute path suitable for sandbox rules.
func NormalizePath(pathPattern string) string {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	normalized := pathPattern

	switch {
	case pathPattern == "~":
		normalized = home
	case strings.HasPrefix(pathPattern, "~/"):
		normalized = filepath.Join(home, pathPattern[2:])
	case strings.HasPrefix(pathPattern, "./"), strings.HasPrefix(pathPattern, "../"):
		normalized, _ = filepath.Abs(filepath.Join(cwd, pathPattern))
	case !filepath.IsAbs(pathPattern) && !ContainsGlobChars(pathPattern):
		normalized, _ = filepath.Abs(filepath.Join(cwd, pathPattern))
	}

	if !ContainsGlobChars(normalized) {
		if resolved, err := filepath.EvalSymlinks(normalized); err == nil {
			return resolved
		}
	}

	return normalized
}

// GenerateProxyEnvVars builds the proxy environment variables exported into
// a sandboxed command: HTTP_PROXY/HTTPS_PROXY for the HTTP port, ALL_PROXY
// for the SOCKS port, and NO_PROXY for loopback/private ranges.
func GenerateProxyEnvVars(httpPort, socksPort int) []string {
	envVars := []string{
		"SRT_SANDBOX=1",
		"TMPDIR=/tmp/srt",
	}

	if httpPort == 0 && socksPort == 0 {
		return envVars
	}

	noProxy := strings.Join([]string{
		"localhost",
		"127.0.0.1",
		"::1",
		"*.local",
		".local",
		"169.254.0.0/16",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	}, ",")

	envVars = append(envVars,
		"NO_PROXY="+noProxy,
		"no_proxy="+noProxy,
	)

	if httpPort > 0 {
		proxyURL := "http://localhost:" + itoa(httpPort)
		envVars = append(envVars,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"http_proxy="+proxyURL,
			"https_proxy="+proxyURL,
		)
	}

	if socksPort > 0 {
		socksURL := "socks5h://localhost:" + itoa(socksPort)
		envVars = append(envVars,
			"ALL_PROXY="+socksURL,
			"all_proxy="+socksURL,
			"FTP_PROXY="+socksURL,
			"ftp_proxy="+socksURL,
		)
		envVars = append(envVars,
			"GIT_SSH_COMMAND=ssh -o ProxyCommand='nc -X 5 -x localhost:"+itoa(socksPort)+" %h %p'",
		)
	}

	return envVars
}

// EncodeSandboxedCommand base64-encodes a (truncated) command for embedding
// in monitor-visible identifiers such as bridge socket names.
func EncodeSandboxedCommand(command string) string {
	if len(command) > 100 {
		command = command[:100]
	}
	return base64.StdEncoding.EncodeToString([]byte(command))
}

// DecodeSandboxedCommand reverses EncodeSandboxedCommand.
func DecodeSandboxedCommand(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
