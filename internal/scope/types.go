package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// WorkItem is one unit of scan work the authority accepted for a single address.
type WorkItem struct {
	ScanID       string      `json:"scan_id"`
	Target       string      `json:"target"`
	ScanReason   string      `json:"scan_reason"`
	Type         string      `json:"type"`
	Ports        []int       `json:"ports"`
	ServicesHash string      `json:"services_hash"`
	AgentConfig  AgentConfig `json:"agent_config"`

	// Payload is the raw authority document, carried into the result untouched.
	Payload map[string]any `json:"-"`
}

// AgentConfig holds the scan parameters the authority attaches to a work item.
// Timeouts are in seconds.
type AgentConfig struct {
	ScanTimeout      int      `json:"scanTimeout"`
	HostTimeout      int      `json:"hostTimeout"`
	ScriptTimeout    int      `json:"scriptTimeout"`
	OnlyOpens        bool     `json:"onlyOpens"`
	VersionDetection bool     `json:"versionDetection"`
	OSDetection      bool     `json:"osDetection"`
	OSScanLimit      bool     `json:"osScanLimit"`
	NoPing           bool     `json:"noPing"`
	UDPScan          bool     `json:"udpScan"`
	EnableScripts    bool     `json:"enableScripts"`
	Scripts          []string `json:"scripts"`
}

// ServicesDefinition is the services file the engine uses to name ports.
type ServicesDefinition struct {
	SHA256  string `json:"sha256"`
	Content string `json:"services"`
}

// HashServices returns the identity hash of services file content. Trailing
// CR and LF characters are ignored.
func HashServices(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(content, "\r\n")))
	return hex.EncodeToString(sum[:])
}

// Result is the document submitted to the authority after a scan attempt.
type Result struct {
	ScanID       string    `json:"scan_id"`
	Target       string    `json:"target"`
	ScanReason   string    `json:"scan_reason,omitempty"`
	Agent        string    `json:"agent"`
	AgentVersion string    `json:"agent_version"`
	ScanStart    time.Time `json:"scan_start"`
	ScanStop     time.Time `json:"scan_stop"`
	Elapsed      int       `json:"elapsed"`
	IsUp         bool      `json:"is_up"`
	PortCount    int       `json:"port_count"`
	NmapData     string    `json:"nmap_data"`
	XMLData      string    `json:"xml_data"`
	TimedOut     bool      `json:"timed_out"`
	ServicesHash string    `json:"services_hash"`

	// FailureReason is set on failure records only.
	FailureReason string `json:"failure_reason,omitempty"`

	Payload map[string]any `json:"-"`
}

// NewResult starts a result for item, copying its identity and payload.
func NewResult(item *WorkItem) *Result {
	return &Result{
		ScanID:       item.ScanID,
		Target:       item.Target,
		ScanReason:   item.ScanReason,
		ServicesHash: item.ServicesHash,
		Payload:      item.Payload,
	}
}

// Failed reports whether the result is a failure record.
func (r *Result) Failed() bool {
	return r.FailureReason != ""
}

// MarshalJSON writes the result fields and then any payload keys the result
// does not already define.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	data, err := json.Marshal(plain(r))
	if err != nil || len(r.Payload) == 0 {
		return data, err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for k, v := range r.Payload {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}
