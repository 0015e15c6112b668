package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/xyths/ganymede/cmd/utils"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/module"
	"github.com/xyths/ganymede/node"
	"github.com/xyths/ganymede/research"
	"github.com/xyths/ganymede/store"
	"gopkg.in/yaml.v3"
)

var (
	serveCommand = &cli.Command{
		Action: serve,
		Name:   "serve",
		Usage:  "Run the bot host and the operator API",
	}
	compilerCommand = &cli.Command{
		Action: runCompiler,
		Name:   "compiler",
		Usage:  "Run the strategy compiler service",
	}
	validateCommand = &cli.Command{
		Action:    validate,
		Name:      "validate",
		Usage:     "Validate a strategy source file with the compiler service",
		ArgsUsage: "<file>",
	}
	configCommand = &cli.Command{
		Name:  "config",
		Usage: "Inspect configuration",
		Subcommands: []*cli.Command{
			{
				Action: showConfig,
				Name:   "show",
				Usage:  "Print the effective daemon config and the persisted bot config",
			},
		},
	}
	backtestCommand = &cli.Command{
		Action: backtest,
		Name:   "backtest",
		Usage:  "Replay OHLC bars through a strategy",
		Flags: []cli.Flag{
			utils.InputFlag,
			utils.OutputFlag,
			utils.StrategyFlag,
			utils.ModuleFlag,
			utils.InitialFlag,
			utils.HeaderFlag,
			utils.StartTimeFlag,
			utils.EndTimeFlag,
		},
	}
)

func serve(ctx *cli.Context) error {
	n, l, err := utils.GetNode(ctx)
	if err != nil {
		return err
	}
	defer func() {
		n.Close(context.Background())
		_ = l.Sync()
	}()
	return n.Run(ctx.Context)
}

func runCompiler(ctx *cli.Context) error {
	cfg, _, l, err := utils.LoadConfig(ctx)
	if err != nil {
		return err
	}
	defer l.Sync()
	return node.RunCompiler(ctx.Context, cfg, l.Sugar())
}

func validate(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowSubcommandHelp(ctx)
	}
	source, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	cfg, _, l, err := utils.LoadConfig(ctx)
	if err != nil {
		return err
	}
	defer l.Sync()
	client := compiler.NewClient(cfg.Compiler.URL,
		compiler.WithTimeout(cfg.Compiler.Timeout),
		compiler.WithRetries(cfg.Compiler.MaxRetries, time.Second),
		compiler.WithLogger(l.Sugar()),
	)
	resp, err := client.Validate(ctx.Context, string(source))
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("validation failed:\n%s", resp.Error)
	}
	fmt.Println("ok")
	return nil
}

func showConfig(ctx *cli.Context) error {
	cfg, _, l, err := utils.LoadConfig(ctx)
	if err != nil {
		return err
	}
	defer l.Sync()
	shown := *cfg
	if shown.Store.Mongo.URI != "" {
		shown.Store.Mongo.URI = "***"
	}
	if shown.Journal.MySQLURI != "" {
		shown.Journal.MySQLURI = "***"
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(shown); err != nil {
		return err
	}
	_ = enc.Close()

	var s store.ConfigStore
	if cfg.Store.Backend == "mongo" {
		db, err := store.Connect(ctx.Context, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return err
		}
		defer db.Client().Disconnect(context.Background())
		s = store.NewMongoStore(db, cfg.Store.Mongo.Collection, cfg.Store.Key)
	} else {
		s = store.NewFileStore(cfg.Store.Path)
	}
	rec, err := s.Load(ctx.Context)
	if err != nil {
		fmt.Printf("# bot config: %s\n", err)
		return nil
	}
	fmt.Println("# bot config")
	out, err := json.MarshalIndent(rec.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func backtest(ctx *cli.Context) error {
	cfg, _, l, err := utils.LoadConfig(ctx)
	if err != nil {
		return err
	}
	defer l.Sync()
	sugar := l.Sugar()

	start, end, err := utils.ParseStartEndTime(ctx.String(utils.StartTimeFlag.Name), ctx.String(utils.EndTimeFlag.Name))
	if err != nil {
		return err
	}
	bars, err := research.ReadBars(ctx.String(utils.InputFlag.Name), ctx.Bool(utils.HeaderFlag.Name))
	if err != nil {
		return err
	}

	host := module.NewHost(sugar, nil)
	host.Register(module.SchemeBuiltin, module.BuiltinLoader{})
	host.Register(module.SchemePlugin, module.NewPluginLoader(cfg.Compiler.CacheDir, sugar))
	h, err := host.Load(ctx.Context, module.ArtifactRef(ctx.String(utils.ModuleFlag.Name)))
	if err != nil {
		return err
	}
	if err := host.Activate(ctx.Context, h); err != nil {
		return err
	}
	defer host.Deactivate(context.Background())

	b := research.NewBacktest(sugar, host, cfg.Bot.Window)
	res, err := b.Run(bars, ctx.String(utils.StrategyFlag.Name), nil, start, end, ctx.Float64(utils.InitialFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("strategy %s: trades %d, final %.2f, rate %.4f, annual %.4f\n",
		res.Strategy, len(res.Trades), res.Final, res.Rate, res.Annual)
	if output := ctx.String(utils.OutputFlag.Name); output != "" {
		return research.WriteTrades(res, output)
	}
	return nil
}
