// Package server binds the HTTP listener, falling back across a fixed list
// of candidate ports when the preferred one is occupied.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"syscall"

	"github.com/0xReLogic/Cigano/internal/logging"
)

// DefaultCandidates is the fallback list used when none is configured.
var DefaultCandidates = []int{3000, 3001, 3002, 3003, 3004, 3005}

// ErrNoFreePort is returned when every eligible candidate is occupied.
var ErrNoFreePort = errors.New("no free port among candidates")

// ListenFunc opens a listener on addr.
type ListenFunc func(ctx context.Context, network, addr string) (net.Listener, error)

// ListenOptions describes where to bind.
type ListenOptions struct {
	Host       string
	Preferred  int
	Candidates []int
	// Listen defaults to net.ListenConfig.Listen.
	Listen ListenFunc
}

// Result is a bound listener plus the ports that were tried to get it.
type Result struct {
	Listener  net.Listener
	Port      int
	Requested int
	Attempts  []int
}

// FellBack reports whether the bound port differs from the requested one.
func (r Result) FellBack() bool {
	return r.Port != r.Requested
}

// Listen binds Preferred, and on "address in use" advances to the next
// larger candidate until one binds or none remain. Any other bind error is
// returned immediately.
func Listen(ctx context.Context, opts ListenOptions) (Result, error) {
	listen := opts.Listen
	if listen == nil {
		var lc net.ListenConfig
		listen = lc.Listen
	}
	candidates := opts.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	candidates = sortedUnique(candidates)

	res := Result{Requested: opts.Preferred}
	port := opts.Preferred
	logger := logging.L()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts = append(res.Attempts, port)
		ln, err := listen(ctx, "tcp", net.JoinHostPort(opts.Host, strconv.Itoa(port)))
		if err == nil {
			res.Listener = ln
			res.Port = listenerPort(ln, port)
			return res, nil
		}
		if !IsAddrInUse(err) {
			return res, fmt.Errorf("bind port %d: %w", port, err)
		}

		next, ok := nextCandidate(candidates, port)
		if !ok {
			return res, fmt.Errorf("%w: tried %v", ErrNoFreePort, res.Attempts)
		}
		logger.Warn().Int("port", port).Int("next_port", next).Msg("port in use, trying next candidate")
		port = next
	}
}

// IsAddrInUse reports whether err is a bind failure caused by an occupied port.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func nextCandidate(candidates []int, current int) (int, bool) {
	for _, c := range candidates {
		if c > current {
			return c, true
		}
	}
	return 0, false
}

func sortedUnique(ports []int) []int {
	out := append([]int(nil), ports...)
	sort.Ints(out)
	n := 0
	for i, p := range out {
		if i > 0 && p == out[n-1] {
			continue
		}
		out[n] = p
		n++
	}
	return out[:n]
}

func listenerPort(ln net.Listener, fallback int) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return fallback
}
