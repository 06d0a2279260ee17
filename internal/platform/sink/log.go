package sink

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// LogSink satisfies every outbound interface by logging. It is used when no
// transport is configured for a channel, typically in local runs.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "LogSink").Logger()}
}

func (l *LogSink) SendEmail(_ context.Context, msg notify.EmailMessage) error {
	l.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("Email (not sent, log sink).")
	return nil
}

func (l *LogSink) SendSMS(_ context.Context, msg notify.SMSMessage) error {
	l.logger.Info().Str("to", msg.To).Int("length", len(msg.Body)).Msg("SMS (not sent, log sink).")
	return nil
}

func (l *LogSink) RunReport(_ context.Context, req notify.ReportRequest) error {
	l.logger.Info().Str("report", req.Name).Str("requested_by", req.RequestedBy).Msg("Report (not run, log sink).")
	return nil
}
