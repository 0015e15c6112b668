package node

import (
	"github.com/pkg/errors"
	"github.com/xyths/ganymede/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Call Sync before exit.
func NewLogger(conf config.LogConf) (*zap.Logger, error) {
	var zc zap.Config
	if conf.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if conf.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", conf.Level)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if conf.Encoding != "" {
		zc.Encoding = conf.Encoding
	}
	if len(conf.Outputs) > 0 {
		zc.OutputPaths = conf.Outputs
	}
	return zc.Build()
}
