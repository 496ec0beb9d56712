package bootstrap

import (
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/logging"
)

// InitLogger builds the process-wide zap-backed logger at the configured
// level and installs it as the package-level global logger every
// component's WithField chain bottoms out on.
func InitLogger(cfg *Config) validatorcore.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
	}

	out := logger.WithField("netuid", cfg.App.Netuid).WithField("jobs", len(cfg.Jobs))
	logging.SetGlobalLogger(out)
	return out
}
