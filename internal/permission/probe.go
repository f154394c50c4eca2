package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// StaticProbe reports fixed grant values. Platforms without a capability
// model (anything that is not macOS) grant both flags unconditionally.
type StaticProbe struct {
	Accessibility   bool
	ScreenRecording bool
}

// Check implements Probe.
func (p StaticProbe) Check(ctx context.Context) (bool, bool, error) {
	return p.Accessibility, p.ScreenRecording, nil
}

// CommandProbe shells out to a helper that prints a JSON object:
//
//	{"accessibility": true, "screenRecording": false}
//
// This keeps the OS-specific preflight calls out of the agent binary.
type CommandProbe struct {
	Bin  string
	Args []string
}

type probeOutput struct {
	Accessibility   bool `json:"accessibility"`
	ScreenRecording bool `json:"screenRecording"`
}

// Check implements Probe.
func (p CommandProbe) Check(ctx context.Context) (bool, bool, error) {
	out, err := exec.CommandContext(ctx, p.Bin, p.Args...).Output()
	if err != nil {
		return false, false, fmt.Errorf("running permission probe %s: %w", p.Bin, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &parsed); err != nil {
		return false, false, fmt.Errorf("parsing permission probe output: %w", err)
	}
	return parsed.Accessibility, parsed.ScreenRecording, nil
}
