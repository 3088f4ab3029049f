package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
)

// BackoffConfig configures delays between primary attempts of one node.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	// Jitter defaults off for determinism; enable via retry.backoff.jitter.
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// backoffConfigFor layers node-level retry.backoff.* config over the run
// config defaults.
func backoffConfigFor(cfg RunConfig, n *model.Node) BackoffConfig {
	out := defaultBackoffConfig()
	if cfg.Backoff.InitialDelayMS > 0 {
		out.InitialDelayMS = cfg.Backoff.InitialDelayMS
	}
	if cfg.Backoff.BackoffFactor > 0 {
		out.BackoffFactor = cfg.Backoff.BackoffFactor
	}
	if cfg.Backoff.MaxDelayMS > 0 {
		out.MaxDelayMS = cfg.Backoff.MaxDelayMS
	}
	out.Jitter = cfg.Backoff.Jitter

	if n == nil {
		return out
	}
	if v := n.Attr("retry.backoff.initial_delay_ms", ""); v != "" {
		out.InitialDelayMS = parseInt(v, out.InitialDelayMS)
	}
	if v := n.Attr("retry.backoff.backoff_factor", ""); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			out.BackoffFactor = f
		}
	}
	if v := n.Attr("retry.backoff.max_delay_ms", ""); v != "" {
		out.MaxDelayMS = parseInt(v, out.MaxDelayMS)
	}
	if v := n.Attr("retry.backoff.jitter", ""); v != "" {
		out.Jitter = parseBool(v, out.Jitter)
	}

	if out.InitialDelayMS < 0 {
		out.InitialDelayMS = 0
	}
	if out.MaxDelayMS < 0 {
		out.MaxDelayMS = 0
	}
	if out.BackoffFactor <= 0 {
		out.BackoffFactor = 1.0
	}
	return out
}

// DelayForAttempt computes the delay before retry attempt (1-indexed:
// first retry is attempt=1). base = initial * factor^(attempt-1), capped,
// with optional deterministic seeded jitter applied after capping.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit maps a seed deterministically into [0,1] so retry timing is
// reproducible for a given run/node/attempt.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

func backoffDelayForNode(cfg RunConfig, runID string, n *model.Node, attempt int) time.Duration {
	nodeID := ""
	if n != nil {
		nodeID = n.ID
	}
	seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(runID), nodeID, attempt)
	return DelayForAttempt(attempt, backoffConfigFor(cfg, n), seed)
}

func parseInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}
