package health

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/types"
)

// ProbeCommand gathers everything in one round trip: worker process count,
// load, disk and memory usage, uptime.
const ProbeCommand = `echo "PROC=$(pgrep -fc foundry-drone 2>/dev/null || echo 0)";` +
	`echo "LOAD=$(cut -d' ' -f1 /proc/loadavg)";` +
	`echo "DISK=$(df /var/tmp --output=pcent 2>/dev/null | tail -1 | tr -d ' %')";` +
	`echo "MEM=$(free | awk '/Mem:/ {printf "%d", $3/$2*100}')";` +
	`echo "UPTIME=$(cut -d. -f1 /proc/uptime)"`

const (
	loadOverloadThreshold = 50.0
	diskWarningPct        = 90
	diskCriticalPct       = 95
	memCriticalPct        = 95
)

// Prober runs out-of-band SSH liveness probes. Distinct from the drone's own
// heartbeat: a probe reaches the host even when the worker process is dead.
type Prober struct {
	runner sshx.Runner
}

// NewProber creates a prober on the given SSH runner.
func NewProber(runner sshx.Runner) *Prober {
	return &Prober{runner: runner}
}

// Probe executes the probe command and classifies the outcome.
func (p *Prober) Probe(ctx context.Context, droneID string, target sshx.Target) types.ProbeResult {
	start := time.Now()
	out, err := p.runner.Run(ctx, target, ProbeCommand)
	result := types.ProbeResult{
		DroneID:   droneID,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "deadline") {
			result.Status = types.ProbeTimeout
		} else {
			result.Status = types.ProbeUnreachable
		}
		result.Detail = err.Error()
		return result
	}

	fields := parseProbeOutput(out)
	result.WorkerUp = fields["PROC"] > 0
	result.Load1m = fields["LOAD"]
	result.DiskPct = int(fields["DISK"])
	result.MemPct = int(fields["MEM"])
	result.UptimeS = int64(fields["UPTIME"])
	result.Status = classify(result)
	return result
}

func parseProbeOutput(out string) map[string]float64 {
	fields := map[string]float64{}
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			fields[key] = f
		}
	}
	return fields
}

// classify orders checks by severity: a dead worker outranks resource
// pressure, critical outranks warning.
func classify(r types.ProbeResult) types.ProbeStatus {
	switch {
	case !r.WorkerUp:
		return types.ProbeServiceDown
	case r.Load1m > loadOverloadThreshold:
		return types.ProbeOverloaded
	case r.DiskPct > diskCriticalPct:
		return types.ProbeDiskCritical
	case r.MemPct > memCriticalPct:
		return types.ProbeMemCritical
	case r.DiskPct > diskWarningPct:
		return types.ProbeDiskWarning
	default:
		return types.ProbeOK
	}
}
