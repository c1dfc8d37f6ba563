package sdmmc

import (
	"context"
	"log/slog"
)

const levelTrace slog.Level = slog.LevelDebug - 1

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

// trace is the hot path logger used for every command. It is gated by the
// cached enablement so disabled tracing costs a single branch.
func (d *Device) trace(msg string, attrs ...slog.Attr) {
	if d._traceenabled {
		d.logattrs(levelTrace, msg, attrs...)
	}
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (d *Device) setLogger(l *slog.Logger) {
	d.logger = l
	d._traceenabled = l != nil && l.Handler().Enabled(context.Background(), levelTrace)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}
