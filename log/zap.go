package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

// filterRules is applied to every logger created after SetFilterRules.
// Syntax follows moul.io/zapfilter, e.g. "*:* -debug:roundtrip".
var filterRules zapfilter.FilterFunc

func SetFilterRules(rules string) error {
	if rules == "" {
		filterRules = nil
		return nil
	}
	f, err := zapfilter.ParseRules(rules)
	if err != nil {
		return err
	}
	filterRules = f
	return nil
}

func newCore(enc zapcore.Encoder, writer io.Writer, level zap.AtomicLevel) zapcore.Core {
	core := zapcore.NewCore(enc, zapcore.AddSync(writer), level)
	if filterRules != nil {
		core = zapfilter.NewFilteringCore(core, filterRules)
	}
	return core
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return zapcore.NewConsoleEncoder(cfg)
}
