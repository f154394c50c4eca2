package idle

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/staffwatch/agent/internal/agenterr"
)

// CommandSensor shells out to a helper that prints elapsed idle time in
// milliseconds on stdout (xprintidle on X11 does exactly this). Keeping the
// probe external means the agent binary carries no display-server bindings.
type CommandSensor struct {
	Bin  string
	Args []string
}

// IdleFor implements ActivitySensor.
func (s CommandSensor) IdleFor(ctx context.Context) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, s.Bin, s.Args...).Output()
	if err != nil {
		return 0, fmt.Errorf("%w: running %s: %v", agenterr.ErrSensorUnavailable, s.Bin, err)
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s output: %v", agenterr.ErrSensorUnavailable, s.Bin, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
