// Package config holds the process-wide, read-only settings record.
//
// It is the Go equivalent of GLOBAL in original_source/src/config.h:
// initialized once before any worker starts, then shared by reference,
// read-only, across every worker.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Auto requests that a setting be discovered at startup instead of
// taken literally. It mirrors LOAD_MAX_SETTING (SIZE_MAX) in the
// original.
const Auto = -1

// Settings is the GLOBAL record: nproc, pipe_size, send_size,
// recv_size, minconn, maxconn.
type Settings struct {
	NProc    int
	PipeSize int
	SendSize int
	RecvSize int
	MinConn  int
	MaxConn  int

	// AcceptBackoff enables a bounded-exponential-backoff pause on the
	// accept watcher when the pool is full or accept4 reports resource
	// exhaustion, instead of re-entering a callback that can't make
	// progress yet. Off by default, matching the original's busy-loop
	// behavior in that case.
	AcceptBackoff bool
}

// Default returns the original's hardcoded defaults before discovery:
// minconn = 1000, maxconn = 10 * minconn, everything else Auto.
func Default() Settings {
	return Settings{
		NProc:    Auto,
		PipeSize: Auto,
		SendSize: Auto,
		RecvSize: Auto,
		MinConn:  1000,
		MaxConn:  10000,
	}
}

// Discover resolves every Auto field in place, the Go equivalent of
// read_global_settings(). A discovery failure leaves the field at 0
// (kernel/OS default), exactly as read_proc_setting_int does.
func (s *Settings) Discover() {
	if s.NProc == Auto {
		s.NProc = runtime.NumCPU()
	}
	if s.PipeSize == Auto {
		s.PipeSize = readProcInt("/proc/sys/fs/pipe-max-size")
	}
	if s.SendSize == Auto {
		s.SendSize = readProcInt("/proc/sys/net/core/wmem_max")
	}
	if s.RecvSize == Auto {
		s.RecvSize = readProcInt("/proc/sys/net/core/rmem_max")
	}
}

// readProcInt reads a single integer out of a /proc file, returning 0
// on any failure — the same "return 0 if failed to read" contract as
// read_proc_setting_int in config.h.
func readProcInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return val
}
