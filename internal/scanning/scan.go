// Package scanning runs the nmap engine against a single work item and turns
// its output into a result document for the authority.
package scanning

import (
	"bytes"
	"context"
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/google/uuid"

	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
	"github.com/anstrom/scanorama-agent/internal/scope"
)

const (
	// DefaultScanTimeout applies when a work item carries no scan timeout.
	DefaultScanTimeout = 660 * time.Second

	failuresDirName = "failures"
	filePerm        = 0600
	dirPerm         = 0750
)

// Runner executes one engine invocation with the given options.
type Runner func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, []string, error)

// Options configures a Scanner.
type Options struct {
	BinaryPath   string
	ServicesPath string
	ServicesHash string
	ScansDir     string
	AgentID      string
	Version      string
	ScanLocal    bool
	SaveFails    bool
}

// Scanner runs scans for work items. It holds no per-scan state and is safe
// for concurrent use by all workers.
type Scanner struct {
	opts    Options
	run     Runner
	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
}

// NewScanner creates a scanner that invokes the nmap binary.
func NewScanner(opts Options, m *metrics.PrometheusMetrics, logger *logging.Logger) *Scanner {
	return &Scanner{
		opts:    opts,
		run:     runNmap,
		metrics: m,
		logger:  logger.WithComponent("scanner"),
	}
}

// WithRunner replaces the engine invocation.
func (s *Scanner) WithRunner(r Runner) *Scanner {
	s.run = r
	return s
}

// runNmap creates an nmap scanner with the given options and runs it.
func runNmap(ctx context.Context, opts ...nmap.Option) (*nmap.Run, []string, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, nil, &ScanError{Op: "create scanner", Err: err}
	}

	result, warnings, err := scanner.Run()
	var warns []string
	if warnings != nil {
		warns = *warnings
	}
	if err != nil {
		return result, warns, &ScanError{Op: "run scan", Err: err}
	}
	return result, warns, nil
}

// Plan is the engine invocation derived from a work item.
type Plan struct {
	Target        string
	IPv6          bool
	Ports         string
	ServiceInfo   bool
	OSDetection   bool
	OSScanLimit   bool
	OpenOnly      bool
	SkipDiscovery bool
	UDPScan       bool
	Scripts       []string
	ScriptTimeout time.Duration
	HostTimeout   time.Duration
	ScanTimeout   time.Duration
}

// PlanFor derives the engine invocation for item.
func PlanFor(item *scope.WorkItem) Plan {
	ac := item.AgentConfig
	p := Plan{
		Target:        item.Target,
		ServiceInfo:   ac.VersionDetection,
		OSDetection:   ac.OSDetection,
		OSScanLimit:   ac.OSDetection && ac.OSScanLimit,
		OpenOnly:      ac.OnlyOpens,
		SkipDiscovery: ac.NoPing,
		UDPScan:       ac.UDPScan,
		HostTimeout:   time.Duration(ac.HostTimeout) * time.Second,
		ScanTimeout:   time.Duration(ac.ScanTimeout) * time.Second,
	}
	if p.ScanTimeout <= 0 {
		p.ScanTimeout = DefaultScanTimeout
	}

	if addr, err := netip.ParseAddr(item.Target); err == nil {
		p.IPv6 = addr.Is6() && !addr.Is4In6()
	}

	if len(item.Ports) > 0 {
		ports := make([]string, len(item.Ports))
		for i, port := range item.Ports {
			ports[i] = strconv.Itoa(port)
		}
		p.Ports = strings.Join(ports, ",")
	}

	if ac.EnableScripts && len(ac.Scripts) > 0 {
		p.Scripts = ac.Scripts
		p.ScriptTimeout = time.Duration(ac.ScriptTimeout) * time.Second
	}
	return p
}

// Arguments returns the raw arguments passed alongside the typed options.
func (p Plan) Arguments(servicesPath, normalOutput string) []string {
	args := []string{"--privileged", "-oN", normalOutput}
	if servicesPath != "" {
		args = append(args, "--servicedb", servicesPath)
	}
	if p.IPv6 {
		args = append(args, "-6")
	}
	if p.OSDetection {
		args = append(args, "-O")
	}
	if p.OSScanLimit {
		args = append(args, "--osscan-limit")
	}
	if p.OpenOnly {
		args = append(args, "--open")
	}
	if len(p.Scripts) > 0 {
		args = append(args, "--script="+strings.Join(p.Scripts, ","))
		if p.ScriptTimeout > 0 {
			args = append(args, "--script-timeout="+seconds(p.ScriptTimeout))
		}
	}
	return args
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d/time.Second)) + "s"
}

// options builds the nmap options for the plan.
func (p Plan) options(binaryPath, servicesPath, normalOutput string) []nmap.Option {
	options := []nmap.Option{nmap.WithTargets(p.Target)}
	if binaryPath != "" {
		options = append(options, nmap.WithBinaryPath(binaryPath))
	}
	if p.Ports != "" {
		options = append(options, nmap.WithPorts(p.Ports))
	}
	if p.ServiceInfo {
		options = append(options, nmap.WithServiceInfo())
	}
	if p.SkipDiscovery {
		options = append(options, nmap.WithSkipHostDiscovery())
	}
	if p.UDPScan {
		options = append(options, nmap.WithUDPScan(), nmap.WithSYNScan())
	}
	if p.HostTimeout > 0 {
		options = append(options, nmap.WithHostTimeout(p.HostTimeout))
	}
	return append(options, nmap.WithCustomArguments(p.Arguments(servicesPath, normalOutput)...))
}

// Scan runs the engine for item. It always returns a result; when err is
// non-nil the result is a failure record carrying the reason.
func (s *Scanner) Scan(ctx context.Context, item *scope.WorkItem) (*scope.Result, error) {
	result := scope.NewResult(item)
	result.Agent = s.opts.AgentID
	result.AgentVersion = s.opts.Version
	result.ScanStart = time.Now().UTC()

	logger := s.logger.WithTarget(item.Target).WithFields("scan_id", item.ScanID)

	if s.opts.ServicesHash != "" {
		if item.ServicesHash != "" && !strings.EqualFold(item.ServicesHash, s.opts.ServicesHash) {
			logger.Warn("Work item expects a different services definition",
				"expected", item.ServicesHash, "local", s.opts.ServicesHash)
		}
		result.ServicesHash = s.opts.ServicesHash
	}

	if err := s.checkTarget(item.Target); err != nil {
		return s.fail(result, err, nil), err
	}

	plan := PlanFor(item)
	base := filepath.Join(s.opts.ScansDir, outputName(item))
	normalPath := base + ".nmap"

	scanCtx, cancel := context.WithTimeout(ctx, plan.ScanTimeout)
	defer cancel()

	logger.Debug("Starting scan", "ports", plan.Ports, "timeout", plan.ScanTimeout)
	run, warnings, err := s.run(scanCtx, plan.options(s.opts.BinaryPath, s.opts.ServicesPath, normalPath)...)
	result.ScanStop = time.Now().UTC()
	result.Elapsed = int(result.ScanStop.Sub(result.ScanStart) / time.Second)
	duration := result.ScanStop.Sub(result.ScanStart)

	if len(warnings) > 0 {
		logger.Warn("Scan completed with warnings", "warnings", warnings)
	}

	var engineErr *ScanError
	if stderrors.As(err, &engineErr) && engineErr.Host == "" {
		engineErr.Host = item.Target
	}

	if err != nil {
		if ctx.Err() != nil {
			s.discard(base)
			return result, errors.WrapWithTarget(errors.CodeCanceled, "scan interrupted", item.Target, ctx.Err())
		}
		if strings.Contains(err.Error(), "timed out") || stderrors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			s.metrics.RecordScan("timeout", duration, 0)
			result.TimedOut = true
			timeoutErr := errors.WrapWithTarget(errors.CodeTimeout, "scan timed out", item.Target, err).
				WithContext("timeout", plan.ScanTimeout.String())
			return s.fail(result, timeoutErr, run, base), timeoutErr
		}
		s.metrics.RecordScan("error", duration, 0)
		scanErr := errors.WrapWithTarget(errors.CodeScanFailed, "scanner execution failed", item.Target, err)
		return s.fail(result, scanErr, run, base), scanErr
	}

	report, err := convertRun(run, item.Target)
	if err != nil {
		s.metrics.RecordScan("malformed", duration, 0)
		return s.fail(result, err, run, base), err
	}

	xmlData, err := xml.MarshalIndent(run, "", "  ")
	if err != nil {
		s.metrics.RecordScan("malformed", duration, 0)
		malformed := errors.WrapWithTarget(errors.CodeMalformedScan, "failed to encode scan output", item.Target, err)
		return s.fail(result, malformed, run, base), malformed
	}

	result.IsUp = report.IsUp
	result.PortCount = report.OpenPorts()
	result.XMLData = xml.Header + string(xmlData)
	result.NmapData = s.normalOutput(normalPath, report)
	s.discard(base)

	s.metrics.RecordScan("success", duration, result.PortCount)
	logger.Info("Scan completed",
		"is_up", result.IsUp,
		"port_count", result.PortCount,
		"elapsed", result.Elapsed)
	return result, nil
}

// checkTarget refuses private and local addresses unless local scanning is enabled.
func (s *Scanner) checkTarget(target string) error {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return errors.ErrInvalidTarget(target, err)
	}
	if s.opts.ScanLocal {
		return nil
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return errors.NewWithTarget(errors.CodeTargetInvalid, "local address scanning is disabled", target)
	}
	return nil
}

// convertRun converts the engine output for a single target.
func convertRun(run *nmap.Run, target string) (*Report, error) {
	if run == nil {
		return nil, errors.NewWithTarget(errors.CodeMalformedScan, "scan produced no output", target)
	}

	switch len(run.Hosts) {
	case 0:
		// nmap omits hosts it never saw answer
		return &Report{Address: target}, nil
	case 1:
		return convertHost(&run.Hosts[0], target), nil
	default:
		return nil, errors.NewWithTarget(errors.CodeMalformedScan,
			fmt.Sprintf("scan reported %d hosts", len(run.Hosts)), target)
	}
}

func convertHost(h *nmap.Host, target string) *Report {
	report := &Report{
		Address: target,
		IsUp:    h.Status.State == "up",
		Ports:   make([]Port, 0, len(h.Ports)),
	}
	if len(h.Addresses) > 0 {
		report.Address = h.Addresses[0].Addr
	}

	for j := range h.Ports {
		p := &h.Ports[j]
		report.Ports = append(report.Ports, Port{
			Number:      p.ID,
			Protocol:    p.Protocol,
			State:       p.State.State,
			Service:     p.Service.Name,
			Version:     p.Service.Version,
			ServiceInfo: p.Service.Product,
		})
	}
	return report
}

// normalOutput returns the engine's normal-format output, or a summary of
// the report when the engine did not write one.
func (s *Scanner) normalOutput(path string, report *Report) string {
	data, err := os.ReadFile(path) //nolint:gosec // path built from the scans dir
	if err == nil && len(data) > 0 {
		return string(data)
	}
	var buf bytes.Buffer
	WriteSummary(&buf, report)
	return buf.String()
}

// fail marks result as a failure record and disposes of engine output.
func (s *Scanner) fail(result *scope.Result, err error, run *nmap.Run, base ...string) *scope.Result {
	result.FailureReason = err.Error()
	if result.ScanStop.IsZero() {
		result.ScanStop = time.Now().UTC()
	}
	s.logger.ErrorScan("Scan failed", result.Target, err, "scan_id", result.ScanID)

	if len(base) == 0 {
		return result
	}
	if s.opts.SaveFails {
		s.saveFailure(base[0], run)
	} else {
		s.discard(base[0])
	}
	return result
}

// saveFailure keeps engine output of a failed scan under scans/failures.
func (s *Scanner) saveFailure(base string, run *nmap.Run) {
	dir := filepath.Join(s.opts.ScansDir, failuresDirName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		s.logger.Warn("Failed to create failures directory", "error", err)
		s.discard(base)
		return
	}

	name := filepath.Base(base)
	if err := os.Rename(base+".nmap", filepath.Join(dir, name+".nmap")); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to save scan output", "error", err)
	}
	if run != nil {
		if data, err := xml.MarshalIndent(run, "", "  "); err == nil {
			if err := os.WriteFile(filepath.Join(dir, name+".xml"), data, filePerm); err != nil {
				s.logger.Warn("Failed to save scan XML", "error", err)
			}
		}
	}
}

func (s *Scanner) discard(base string) {
	if err := os.Remove(base + ".nmap"); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove scan output", "path", base+".nmap", "error", err)
	}
}

// outputName returns a unique file stem for the scan of item.
func outputName(item *scope.WorkItem) string {
	id := item.ScanID
	if id == "" {
		id = item.Target
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	return fmt.Sprintf("scan.%s.%s", clean, uuid.NewString()[:8])
}
