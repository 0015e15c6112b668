package utils

import "github.com/urfave/cli/v2"

var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "load configuration from `file`",
	}

	StartTimeFlag = &cli.StringFlag{
		Name:    "start",
		Aliases: []string{"s"},
		Value:   "",
		Usage:   "start `time`, \"2006-01-02 15:04:05\" in UTC",
	}
	EndTimeFlag = &cli.StringFlag{
		Name:    "end",
		Aliases: []string{"e"},
		Value:   "",
		Usage:   "end `time`, \"2006-01-02 15:04:05\" in UTC",
	}

	InputFlag = &cli.StringFlag{
		Name:     "input",
		Aliases:  []string{"i"},
		Usage:    "OHLC csv `file` (timestamp,open,high,low,close)",
		Required: true,
	}
	OutputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Value:   "",
		Usage:   "write trades to csv `file`",
	}
	StrategyFlag = &cli.StringFlag{
		Name:  "strategy",
		Value: "sma_crossover",
		Usage: "strategy `id` to backtest",
	}
	ModuleFlag = &cli.StringFlag{
		Name:  "module",
		Value: "builtin:default",
		Usage: "module `ref` providing the strategy (builtin:default or plugin:<file.so>)",
	}
	InitialFlag = &cli.Float64Flag{
		Name:  "initial",
		Value: 10000,
		Usage: "initial cash",
	}
	HeaderFlag = &cli.BoolFlag{
		Name:  "header",
		Value: true,
		Usage: "input file has a header row",
	}
)
