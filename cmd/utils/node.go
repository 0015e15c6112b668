package utils

import (
	"github.com/urfave/cli/v2"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/node"
	"go.uber.org/zap"
)

// LoadConfig reads the file named by ConfigFlag and builds the logger.
func LoadConfig(ctx *cli.Context) (*config.Config, *config.Env, *zap.Logger, error) {
	cfg, env, err := config.Load(ctx.String(ConfigFlag.Name))
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := node.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, env, l, nil
}

func GetNode(ctx *cli.Context) (*node.Node, *zap.Logger, error) {
	cfg, env, l, err := LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	n, err := node.New(ctx.Context, cfg, env, l.Sugar())
	if err != nil {
		_ = l.Sync()
		return nil, nil, err
	}
	return n, l, nil
}
