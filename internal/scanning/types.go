package scanning

import (
	"fmt"
	"io"
	"strings"
)

const outputSeparatorLength = 80

// ScanError represents error types for scan operations.
type ScanError struct {
	Op   string // Operation that failed
	Err  error  // Original error
	Host string // Host where the error occurred, if applicable
}

func (e *ScanError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Report is the parsed engine output for one target.
type Report struct {
	Address string
	IsUp    bool
	Ports   []Port
}

// Port represents a single scanned port.
type Port struct {
	Number      uint16
	Protocol    string
	State       string
	Service     string
	Version     string
	ServiceInfo string
}

// OpenPorts returns the number of ports in the open state.
func (r *Report) OpenPorts() int {
	n := 0
	for _, p := range r.Ports {
		if p.State == "open" {
			n++
		}
	}
	return n
}

// WriteSummary writes a human-readable rendition of the report to w.
func WriteSummary(w io.Writer, r *Report) {
	status := "down"
	if r.IsUp {
		status = "up"
	}
	_, _ = fmt.Fprintf(w, "Host: %s (%s)\n", r.Address, status)
	if !r.IsUp {
		return
	}
	if len(r.Ports) == 0 {
		_, _ = fmt.Fprintln(w, "No open ports found")
		return
	}

	_, _ = fmt.Fprintf(w, "%-6s %-10s %-15s %-20s %s\n", "Port", "Protocol", "State", "Service", "Version")
	_, _ = fmt.Fprintln(w, strings.Repeat("-", outputSeparatorLength))
	for _, port := range r.Ports {
		version := port.Version
		if port.ServiceInfo != "" {
			if version != "" {
				version += " "
			}
			version += port.ServiceInfo
		}
		_, _ = fmt.Fprintf(w, "%-6d %-10s %-15s %-20s %s\n",
			port.Number, port.Protocol, port.State, port.Service, version)
	}
}
