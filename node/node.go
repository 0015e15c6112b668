// Package node wires the daemon together: module host, compile pipeline, bot
// runtime, session controller, persistence and the operator API.
package node

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/ganymede/api"
	"github.com/xyths/ganymede/bot"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/module"
	"github.com/xyths/ganymede/series"
	"github.com/xyths/ganymede/session"
	"github.com/xyths/ganymede/store"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Node struct {
	Sugar *zap.SugaredLogger

	config *config.Config
	env    *config.Env

	Host     *module.Host
	Series   *series.Store
	Hub      *api.Hub
	Runtime  *bot.Runtime
	Pipeline *compiler.Pipeline
	Session  *session.Controller
	API      *api.Server

	mg      *mongo.Database
	journal *store.Journal
}

// New builds every component and activates the initial module. The persisted
// bot config, if any, is restored but the bot is not started.
func New(ctx context.Context, cfg *config.Config, env *config.Env, logger *zap.SugaredLogger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if env == nil {
		env = &config.Env{}
	}
	n := &Node{Sugar: logger, config: cfg, env: env}

	n.Hub = api.NewHub(cfg.API.EventBuffer)
	if err := n.initHost(ctx); err != nil {
		return nil, err
	}

	var (
		configStore store.ConfigStore
		history     compiler.History
		apiOpts     []api.Option
	)
	switch cfg.Store.Backend {
	case "mongo":
		db, err := store.Connect(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, err
		}
		n.mg = db
		ms := store.NewMongoStore(db, cfg.Store.Mongo.Collection, cfg.Store.Key)
		configStore = ms
		history = ms
		apiOpts = append(apiOpts, api.WithHistory(ms))
		logger.Infof("config and compile history in mongo database %s", cfg.Store.Mongo.Database)
	default:
		configStore = store.NewFileStore(cfg.Store.Path)
		logger.Infof("config persisted to %s", cfg.Store.Path)
	}

	client := compiler.NewClient(cfg.Compiler.URL,
		compiler.WithTimeout(cfg.Compiler.Timeout),
		compiler.WithRetries(cfg.Compiler.MaxRetries, time.Second),
		compiler.WithLogger(logger.Named("compiler")),
	)
	n.Pipeline = compiler.NewPipeline(logger.Named("pipeline"), client, n.Host, history)
	n.Pipeline.CompileTimeout = cfg.Compiler.Timeout

	n.Series = series.NewStore(series.WithCapacity(cfg.Series.Capacity))
	factory := bot.NewFactory(logger.Named("connector"), bot.Endpoints{
		BinanceWS:    cfg.Bot.BinanceWSURL,
		BinanceREST:  cfg.Bot.BinanceREST,
		CoinbaseWS:   cfg.Bot.CoinbaseWSURL,
		CoinbaseREST: cfg.Bot.CoinbaseREST,
	}, nil)
	n.Runtime = bot.NewRuntime(logger.Named("bot"), n.Host, session.NewRouter(n.Series, n.Hub), factory, bot.Options{
		Window:        cfg.Bot.Window,
		AlertPercent:  cfg.Bot.AlertPercent,
		InitialEquity: cfg.Bot.InitialEquity,
	})

	n.Session = session.New(logger.Named("session"), n.Host, n.Pipeline, n.Runtime, n.Series, n.Hub,
		session.WithConfigStore(configStore),
		session.WithCredentials(env.Credentials),
	)
	if err := n.Session.Restore(ctx); err != nil {
		logger.Warnf("restore bot config error: %s", err)
	}

	if cfg.Journal.MySQLURI != "" {
		j, err := store.OpenJournal(cfg.Journal.MySQLURI, logger.Named("journal"))
		if err != nil {
			n.Close(ctx)
			return nil, err
		}
		n.journal = j
	}

	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, api.WithMetrics(cfg.Metrics.Path))
	}
	n.API = api.NewServer(logger.Named("api"), n.Session, n.Series, n.Hub, apiOpts...)
	return n, nil
}

func (n *Node) initHost(ctx context.Context) error {
	n.Host = module.NewHost(n.Sugar.Named("module"), func(level, message string) {
		n.Hub.Publish(event.Log(level, message))
	})
	n.Host.LoadTimeout = n.config.Module.LoadTimeout
	n.Host.Register(module.SchemeBuiltin, module.BuiltinLoader{})
	n.Host.Register(module.SchemePlugin, module.NewPluginLoader(n.config.Compiler.CacheDir, n.Sugar.Named("plugin")))

	h, err := n.Host.Load(ctx, module.ArtifactRef(n.config.Module.Initial))
	if err != nil {
		return errors.Wrapf(err, "load initial module %s", n.config.Module.Initial)
	}
	if err := n.Host.Activate(ctx, h); err != nil {
		return errors.Wrapf(err, "activate initial module %s", n.config.Module.Initial)
	}
	n.Sugar.Infof("module %s active, strategies %v", h.Ref(), h.Strategies())
	return nil
}

// Run serves the operator API (and the journal, when configured) until ctx is
// done or one of them fails, then shuts the session down.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.API.Run(ctx, n.config.API.Addr)
	})
	if n.journal != nil {
		g.Go(func() error {
			return n.journal.Run(ctx, n.config.Journal.Interval, n.snapshot)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		n.Sugar.Info("stopping session")
		return n.Session.Close()
	})
	return g.Wait()
}

// snapshot is the journal row of the current run, if the bot is running.
func (n *Node) snapshot() (store.Snapshot, bool) {
	st := n.Session.Status()
	if !st.Bot.Running {
		return store.Snapshot{}, false
	}
	return store.Snapshot{
		Run:        st.Bot.Run,
		Symbol:     st.Bot.Symbol,
		Strategy:   st.Bot.Strategy,
		Generation: st.Generation,
		Ticks:      st.Bot.Ticks,
		Trades:     st.Bot.Trades,
		WinRate:    st.Bot.WinRate,
		PnL:        st.Bot.PnL,
		Price:      st.Bot.Price,
	}, true
}

func (n *Node) Close(ctx context.Context) {
	n.Sugar.Info("close node")
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.Sugar.Errorf("error when close journal: %s", err)
		}
	}
	if n.mg != nil {
		if err := n.mg.Client().Disconnect(ctx); err != nil {
			n.Sugar.Errorf("error when disconnect mongo: %s", err)
		}
	}
}

// RunCompiler serves the compiler service until ctx is done.
func RunCompiler(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	publicURL := cfg.Compiler.PublicURL
	if publicURL == "" {
		publicURL = "http://localhost" + cfg.Compiler.Addr
	}
	s := compiler.NewServer(logger, cfg.Compiler.ArtifactDir, publicURL, compiler.GoBuilder{GoBinary: cfg.Compiler.GoBinary})
	s.BuildTimeout = cfg.Compiler.BuildTimeout
	return s.Run(ctx, cfg.Compiler.Addr)
}
