package transport

import "log/slog"

func transportLogger(channel string, attrs ...any) *slog.Logger {
	logger := slog.Default().With("component", "transport", "channel", channel)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
