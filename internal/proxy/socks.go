package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/things-go/go-socks5"
)

// SOCKSProxy is a SOCKS5 proxy server with domain filtering.
type SOCKSProxy struct {
	server   *socks5.Server
	listener net.Listener
	filter   *Filter
	record   RecordViolation
	debug    bool
	monitor  bool
	port     int
}

// NewSOCKSProxy creates a new SOCKS5 proxy consulting filter for every
// CONNECT request. record may be nil.
func NewSOCKSProxy(filter *Filter, record RecordViolation, debug, monitor bool) *SOCKSProxy {
	return &SOCKSProxy{
		filter:  filter,
		record:  record,
		debug:   debug,
		monitor: monitor,
	}
}

type verdictKey struct{}

// srtRuleSet implements socks5.RuleSet for domain filtering. It also
// stashes the classification verdict in the request context so the
// dialer (wired below) can route MITM connections without re-classifying.
type srtRuleSet struct {
	filter  *Filter
	record  RecordViolation
	debug   bool
	monitor bool
}

func (r *srtRuleSet) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	host := req.DestAddr.FQDN
	port := req.DestAddr.Port

	var verdict Verdict
	if host != "" {
		verdict = r.filter.Classify(host)
	} else {
		verdict = r.filter.ClassifyIP(req.DestAddr.IP)
		host = req.DestAddr.IP.String()
	}

	allowed := verdict.Action != VerdictDeny
	shouldLog := r.debug || (r.monitor && !allowed)
	if shouldLog {
		timestamp := time.Now().Format("15:04:05")
		switch verdict.Action {
		case VerdictAllow:
			fmt.Fprintf(os.Stderr, "[srt:socks] %s ✓ CONNECT %s:%d ALLOWED\n", timestamp, host, port)
		case VerdictMitm:
			fmt.Fprintf(os.Stderr, "[srt:socks] %s → CONNECT %s:%d MITM\n", timestamp, host, port)
		default:
			fmt.Fprintf(os.Stderr, "[srt:socks] %s ✗ CONNECT %s:%d BLOCKED\n", timestamp, host, port)
		}
	}

	if verdict.Action == VerdictDeny && r.record != nil {
		r.record("network_denied", fmt.Sprintf("%s:%d", host, port), "socks5 CONNECT denied")
	}

	ctx = context.WithValue(ctx, verdictKey{}, verdict)
	return ctx, allowed
}

// dial routes an allowed CONNECT either directly to the destination or,
// for a VerdictMitm, to the unix-domain MITM endpoint.
func (r *srtRuleSet) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if v, ok := ctx.Value(verdictKey{}).(Verdict); ok && v.Action == VerdictMitm {
		conn, err := net.DialTimeout("unix", v.Endpoint, 10*time.Second)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", addr)
		return conn, nil
	}
	return net.Dial(network, addr)
}

// Start starts the SOCKS5 proxy on a random available port.
func (p *SOCKSProxy) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = listener
	p.port = listener.Addr().(*net.TCPAddr).Port

	rules := &srtRuleSet{
		filter:  p.filter,
		record:  p.record,
		debug:   p.debug,
		monitor: p.monitor,
	}

	server := socks5.NewServer(
		socks5.WithRule(rules),
		socks5.WithDial(rules.dial),
	)
	p.server = server

	go func() {
		if err := p.server.Serve(p.listener); err != nil {
			if p.debug {
				fmt.Fprintf(os.Stderr, "[srt:socks] Server error: %v\n", err)
			}
		}
	}()

	if p.debug {
		fmt.Fprintf(os.Stderr, "[srt:socks] SOCKS5 proxy listening on localhost:%d\n", p.port)
	}
	return p.port, nil
}

// Stop stops the SOCKS5 proxy.
func (p *SOCKSProxy) Stop() error {
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// Port returns the port the proxy is listening on.
func (p *SOCKSProxy) Port() int {
	return p.port
}
