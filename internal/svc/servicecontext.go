package svc

import (
	"log"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradepilot/internal/config"
	"tradepilot/internal/model"
	"tradepilot/pkg/alert"
	"tradepilot/pkg/bybit"
	"tradepilot/pkg/decision"
	"tradepilot/pkg/engine"
	"tradepilot/pkg/events"
	"tradepilot/pkg/llm"
	"tradepilot/pkg/metrics"
	"tradepilot/pkg/pending"
	"tradepilot/pkg/risk"
)

type ServiceContext struct {
	Config config.Config

	Exchange     *bybit.Client
	Chain        []llm.ChatClient
	Provider     *decision.Provider
	Guard        *risk.Guard
	EventLog     *events.Log
	Pendings     *pending.Store
	Locks        *engine.MapLocks
	Orchestrator *engine.Orchestrator
	Metrics      *metrics.Aggregator
	Notifier     alert.Notifier

	Trading engine.Config

	// Optional DB mirror, wired only when Postgres.DSN is configured.
	DBConn      sqlx.SqlConn
	EventsModel model.EventsModel
}

func NewServiceContext(c config.Config, mainConfigPath string) *ServiceContext {
	svc := &ServiceContext{
		Config:   c,
		Notifier: alert.Async(alert.LogNotifier{}),
	}

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir %s: %v", c.DataDir, err)
	}

	if c.Trading.Value == nil {
		log.Fatalf("trading config section is required (set Trading.File in %s)", mainConfigPath)
	}
	svc.Trading = *c.Trading.Value

	if c.Exchange.Value == nil {
		log.Fatalf("exchange config section is required (set Exchange.File in %s)", mainConfigPath)
	}
	exchangeCfg := c.Exchange.Value
	if exchangeCfg.CacheDir == "" {
		exchangeCfg.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	exchange, err := bybit.NewClient(exchangeCfg)
	if err != nil {
		log.Fatalf("failed to init exchange client: %v", err)
	}
	svc.Exchange = exchange

	// Optional Postgres mirror of the event log.
	var sink events.Sink
	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		svc.DBConn = conn
		svc.EventsModel = model.NewEventsModel(conn)
		sink = svc.EventsModel
	}

	logOpts := []events.Option{}
	if sink != nil {
		logOpts = append(logOpts, events.WithSink(sink))
	}
	eventLog, err := events.NewLog(filepath.Join(c.DataDir, "events.json"), logOpts...)
	if err != nil {
		log.Fatalf("failed to open event log: %v", err)
	}
	svc.EventLog = eventLog

	pendings, err := pending.NewStore(filepath.Join(c.DataDir, "pending.json"))
	if err != nil {
		log.Fatalf("failed to open pending store: %v", err)
	}
	svc.Pendings = pendings

	if c.LLM.Value == nil {
		log.Fatalf("llm config section is required (set LLM.File in %s)", mainConfigPath)
	}
	for _, pc := range c.LLM.Value.Ordered() {
		client, err := llm.NewClient(pc)
		if err != nil {
			log.Fatalf("failed to init llm provider %s: %v", pc.Name, err)
		}
		svc.Chain = append(svc.Chain, client)
	}
	if len(svc.Chain) == 0 {
		log.Fatalf("llm config yields no enabled providers")
	}
	svc.Provider = decision.NewProvider(svc.Chain, eventLog, svc.Notifier)

	svc.Guard = risk.New(svc.Trading.Risk)
	svc.Locks = engine.NewMapLocks()
	svc.Metrics = metrics.New(eventLog)

	svc.Orchestrator = engine.New(svc.Trading, exchange, svc.Provider, svc.Guard,
		eventLog, pendings, svc.Notifier, engine.WithLocks(svc.Locks))

	return svc
}
