package meter

import (
	"log/slog"

	"github.com/ineyio/tierrouter"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tierrouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e tierrouter.RouteEvent) {
	m.Logger.Info("route",
		"run_id", e.RunID,
		"provider", e.Provider.String(),
		"tier", e.Tier.String(),
		"position", e.Position,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e tierrouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"run_id", e.RunID,
			"provider", e.Provider.String(),
			"tier", e.Tier.String(),
			"calls", e.Calls,
			"duration_ms", e.Duration.Milliseconds(),
			"tokens_in", e.TokensIn,
			"tokens_out", e.TokensOut,
		)
	} else {
		m.Logger.Warn("result_error",
			"run_id", e.RunID,
			"provider", e.Provider.String(),
			"tier", e.Tier.String(),
			"calls", e.Calls,
			"duration_ms", e.Duration.Milliseconds(),
			"status", tierrouter.ErrorStatus(e.Error),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnSkip(e tierrouter.SkipEvent) {
	m.Logger.Info("skip",
		"run_id", e.RunID,
		"provider", e.Provider.String(),
		"tier", e.Tier.String(),
		"reason", string(e.Reason),
	)
}
