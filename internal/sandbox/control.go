package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/srtbox/srt/internal/config"
)

// ControlMessage is a single line of the control-FD protocol.
type ControlMessage struct {
	Type   string          `json:"type"`
	Policy json.RawMessage `json:"policy,omitempty"`
	What   string          `json:"what,omitempty"`
}

// ControlError is the error payload of a ControlResponse. It deliberately
// carries no more than kind+message: user-visible failures never include
// secrets.
type ControlError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ControlResponse is written back for every ControlMessage read.
type ControlResponse struct {
	OK         bool          `json:"ok"`
	Error      *ControlError `json:"error,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
}

// ControlChannel reads newline-delimited JSON control messages off an
// arbitrary file descriptor and dispatches them against a Manager:
// "update" swaps the live policy snapshot, "query" (what=="violations")
// returns the store contents, "shutdown" tears the manager down.
type ControlChannel struct {
	fd      *os.File
	manager *Manager
	done    chan struct{}
}

// NewControlChannel wraps fd (e.g. a dup'd descriptor the caller owns) for
// control-plane traffic. Negative fds are rejected per the protocol.
func NewControlChannel(fd int, manager *Manager) (*ControlChannel, error) {
	if fd < 0 {
		return nil, &PolicyError{Field: "controlFd", Reason: "negative fd"}
	}
	return &ControlChannel{
		fd:      os.NewFile(uintptr(fd), "control-fd"),
		manager: manager,
		done:    make(chan struct{}),
	}, nil
}

// Start begins reading control messages in the background until Stop is
// called or the fd reaches EOF.
func (c *ControlChannel) Start() {
	go func() {
		scanner := bufio.NewScanner(c.fd)
		for scanner.Scan() {
			select {
			case <-c.done:
				return
			default:
			}
			c.handle(scanner.Bytes())
		}
	}()
}

func (c *ControlChannel) handle(line []byte) {
	var msg ControlMessage
	var resp ControlResponse

	if err := json.Unmarshal(line, &msg); err != nil {
		resp = errorResponse("ProtocolError", err.Error())
		c.write(resp)
		return
	}

	switch msg.Type {
	case "update":
		var cfg config.Config
		if err := json.Unmarshal(msg.Policy, &cfg); err != nil {
			resp = errorResponse("PolicyError", err.Error())
			break
		}
		if err := cfg.Validate(); err != nil {
			resp = errorResponse("PolicyError", err.Error())
			break
		}
		c.manager.UpdatePolicy(&cfg)
		resp = ControlResponse{OK: true}
	case "query":
		if msg.What == "violations" {
			resp = ControlResponse{OK: true, Violations: c.manager.Violations()}
		} else {
			resp = errorResponse("ProtocolError", fmt.Sprintf("unknown query: %s", msg.What))
		}
	case "shutdown":
		resp = ControlResponse{OK: true}
		c.write(resp)
		go c.manager.Cleanup()
		return
	default:
		resp = errorResponse("ProtocolError", fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	c.write(resp)
}

func errorResponse(kind, message string) ControlResponse {
	return ControlResponse{OK: false, Error: &ControlError{Kind: kind, Message: message}}
}

func (c *ControlChannel) write(resp ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	c.fd.Write(data)
}

// Stop signals the reader goroutine to exit and closes the fd.
func (c *ControlChannel) Stop() {
	close(c.done)
	c.fd.Close()
}
