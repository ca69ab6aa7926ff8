package notifier

import (
	"github.com/snapstock/pointsbilling/internal/config"
	"go.uber.org/zap"
)

func NewProvider(cfg config.Config, log *zap.Logger) Provider {
	if cfg.SMTPHost == "" {
		log.Named("notifier").Warn("no SMTP host configured, emails are dropped")
		return NoOpProvider{}
	}
	return NewSMTP(cfg)
}
