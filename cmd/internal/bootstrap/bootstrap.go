// Package bootstrap holds the wiring every command shares: config
// loading, logger setup and the adaptive-chunking table.
package bootstrap

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

// Load reads the config file and prepares the process logger.
func Load(configPath, logMode string) (tool.AppConfig, *log.Logger, error) {
	cfg, err := tool.LoadConfig(configPath)
	if err != nil {
		return cfg, tool.DefaultLogger, err
	}
	if cfg.LogDir != "" {
		tool.SetLogDir(cfg.LogDir)
	}
	tool.InitLogger()
	applyLogMode(logMode)
	return cfg, tool.DefaultLogger, nil
}

func applyLogMode(mode string) {
	switch strings.ToLower(mode) {
	case "", "prod":
		tool.DefaultLogger.SetLevel(log.InfoLevel)
		tool.DefaultLogger.SetReportCaller(false)
	case "dev":
		tool.DefaultLogger.SetLevel(log.DebugLevel)
	case "none":
		tool.DefaultLogger.SetLevel(log.FatalLevel)
	default:
		tool.DefaultLogger.Warnf("Unknown log mode %q, using info level", mode)
		tool.DefaultLogger.SetLevel(log.InfoLevel)
	}
}

var conditionNames = map[string]netprobe.Condition{
	"excellent": netprobe.ConditionExcellent,
	"good":      netprobe.ConditionGood,
	"fair":      netprobe.ConditionFair,
	"poor":      netprobe.ConditionPoor,
	"unknown":   netprobe.ConditionUnknown,
}

// PolicyTable folds the config's chunk policy overrides over the stock
// tuning. Unknown band names are ignored; a present row replaces the
// whole band including its compress bit.
func PolicyTable(cfg tool.AppConfig) netprobe.PolicyTable {
	table := netprobe.DefaultTable()
	for name, row := range cfg.ChunkPolicies {
		condition, ok := conditionNames[strings.ToLower(name)]
		if !ok {
			tool.DefaultLogger.Warnf("Unknown chunk policy band %q in config, skipping", name)
			continue
		}
		policy := table.PolicyFor(condition)
		if row.ChunkSizeKB > 0 {
			policy.ChunkSize = int64(row.ChunkSizeKB) << 10
		}
		if row.Concurrency > 0 {
			policy.Concurrency = row.Concurrency
		}
		policy.Compress = row.Compress
		table.Policies[condition] = policy

		if row.MaxLatencyMs > 0 {
			threshold := time.Duration(row.MaxLatencyMs) * time.Millisecond
			switch condition {
			case netprobe.ConditionExcellent:
				table.Excellent = threshold
			case netprobe.ConditionGood:
				table.Good = threshold
			case netprobe.ConditionFair:
				table.Fair = threshold
			case netprobe.ConditionPoor:
				table.Poor = threshold
			}
		}
	}
	return table
}

// Seconds converts a config integer into a duration, zero staying zero
// so package defaults still apply.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
