//go:build linux

package sandbox

import "testing"

func TestParseBpftraceOutput(t *testing.T) {
	m := NewEBPFMonitor(1234, nil, false)

	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantKind ViolationKind
	}{
		{
			name:     "denied open",
			line:     "DENIED:open pid=1234 comm=cat ret=-13",
			wantOK:   true,
			wantKind: ViolationFSReadDenied,
		},
		{
			name:     "denied connect",
			line:     "DENIED:connect pid=1234 comm=curl ret=-1",
			wantOK:   true,
			wantKind: ViolationNetworkDenied,
		},
		{
			name:     "denied unlink",
			line:     "DENIED:unlink pid=1234 comm=rm ret=-30",
			wantOK:   true,
			wantKind: ViolationFSWriteDenied,
		},
		{
			name:   "non-denial line ignored",
			line:   "srt:ebpf monitoring started for sandbox PID 1234",
			wantOK: false,
		},
		{
			name:   "malformed denial line ignored",
			line:   "DENIED:nonsense",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, formatted, ok := m.parseBpftraceOutput(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("parseBpftraceOutput(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if v.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", v.Kind, tt.wantKind)
			}
			if v.Raw != tt.line {
				t.Errorf("Raw = %q, want %q", v.Raw, tt.line)
			}
			if formatted == "" {
				t.Error("expected non-empty formatted string")
			}
		})
	}
}

func TestGetErrnoName(t *testing.T) {
	tests := []struct {
		errno int
		want  string
	}{
		{-13, "Permission denied"},
		{-111, "Connection refused"},
		{-999, "errno=-999"},
	}

	for _, tt := range tests {
		if got := getErrnoName(tt.errno); got != tt.want {
			t.Errorf("getErrnoName(%d) = %q, want %q", tt.errno, got, tt.want)
		}
	}
}

func TestEBPFSyscallKind(t *testing.T) {
	tests := []struct {
		syscall string
		want    ViolationKind
	}{
		{"connect", ViolationNetworkDenied},
		{"open", ViolationFSReadDenied},
		{"unlink", ViolationFSWriteDenied},
		{"mkdir", ViolationFSWriteDenied},
		{"weird", ViolationUnknown},
	}

	for _, tt := range tests {
		if got := ebpfSyscallKind(tt.syscall); got != tt.want {
			t.Errorf("ebpfSyscallKind(%q) = %v, want %v", tt.syscall, got, tt.want)
		}
	}
}
