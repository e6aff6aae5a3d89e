// Command orchestrator is the process entrypoint: it wires the skill
// registry, checkpoint store, model registry, workflow engine, run
// manager, and event bus together behind one HTTP server (spec §6),
// following the teacher's example/cmd/assistant/main.go flag-parsing and
// signal-handling shape.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/sopforge/orchestrator/api"
	"github.com/sopforge/orchestrator/checkpoint"
	checkpointredis "github.com/sopforge/orchestrator/checkpoint/redis"
	checkpointsqlite "github.com/sopforge/orchestrator/checkpoint/sqlite"
	"github.com/sopforge/orchestrator/engine"
	"github.com/sopforge/orchestrator/engine/inmem"
	"github.com/sopforge/orchestrator/engine/temporal"
	"github.com/sopforge/orchestrator/eventbus"
	eventbuspulse "github.com/sopforge/orchestrator/eventbus/pulse"
	eventbusredis "github.com/sopforge/orchestrator/eventbus/redis"
	eventbussqlite "github.com/sopforge/orchestrator/eventbus/sqlite"
	"github.com/sopforge/orchestrator/executor/action"
	"github.com/sopforge/orchestrator/executor/llm"
	"github.com/sopforge/orchestrator/executor/pipeline"
	"github.com/sopforge/orchestrator/executor/rest"
	"github.com/sopforge/orchestrator/graph"
	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/model/anthropic"
	"github.com/sopforge/orchestrator/model/bedrock"
	"github.com/sopforge/orchestrator/model/openai"
	"github.com/sopforge/orchestrator/runmgr"
	runmgrsqlite "github.com/sopforge/orchestrator/runmgr/sqlite"
	"github.com/sopforge/orchestrator/skill"
	skillmongo "github.com/sopforge/orchestrator/skill/mongo"
	"github.com/sopforge/orchestrator/telemetry"
)

func main() {
	var (
		httpPortF     = flag.String("http-port", "8080", "HTTP port to listen on")
		dbgF          = flag.Bool("debug", false, "Enable debug-level logging")
		sqliteDSNF    = flag.String("sqlite-dsn", "orchestrator.db", "Path to the sqlite database backing checkpoints, run metadata, and event logs")
		redisAddrF    = flag.String("redis-addr", "", "Redis address; enables the checkpoint cache tier, a durable event log queue, and cross-replica admin event fan-out when set")
		skillsDirF    = flag.String("skills-dir", "", "Filesystem directory of skill definitions (spec §4.1)")
		taskQueueF    = flag.String("task-queue", "orchestrator-runs", "Workflow engine task queue name")
		temporalAddrF = flag.String("temporal-host-port", "", "Temporal server address; empty runs workflows against the in-process engine instead")
		callbackURLF  = flag.String("callback-url", "", "This service's public /callback URL, embedded in REST skill dispatch payloads")
		mongoURIF     = flag.String("mongo-uri", os.Getenv("MONGO_URI"), "MongoDB connection string backing the dynamic skill catalog; empty runs with filesystem skills only")
		mongoDBF      = flag.String("mongo-database", "orchestrator", "MongoDB database name for the dynamic skill catalog")

		anthropicKeyF   = flag.String("anthropic-api-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key; registers the \"anthropic\" model")
		anthropicModelF = flag.String("anthropic-model", "claude-sonnet-4-20250514", "Default Anthropic model ID")
		openaiKeyF      = flag.String("openai-api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key; registers the \"openai\" model")
		openaiModelF    = flag.String("openai-model", "gpt-4o", "Default OpenAI model ID")
		bedrockRegionF  = flag.String("bedrock-region", os.Getenv("AWS_REGION"), "AWS region; when set, registers the \"bedrock\" model")
		bedrockModelF   = flag.String("bedrock-model", "anthropic.claude-3-5-sonnet-20241022-v2:0", "Default Bedrock model ID")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	db, err := sql.Open("sqlite", *sqliteDSNF)
	if err != nil {
		log.Fatalf(ctx, err, "open sqlite database")
	}
	defer db.Close()

	var rdb *redis.Client
	if *redisAddrF != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddrF})
		defer rdb.Close()
	}

	skillStore, closeSkillStore, err := buildSkillStore(ctx, *mongoURIF, *mongoDBF)
	if err != nil {
		log.Fatalf(ctx, err, "build skill store")
	}
	defer closeSkillStore()
	actions := skill.NewActionRegistry()
	skills, err := skill.New(ctx, skill.Options{
		FilesystemDir: *skillsDirF, Store: skillStore, Actions: actions, Logger: logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "load skill registry")
	}

	checkpoints, err := buildCheckpointStore(ctx, db, rdb, logger, metrics)
	if err != nil {
		log.Fatalf(ctx, err, "build checkpoint store")
	}

	models, err := buildModelRegistry(modelConfig{
		anthropicKey: *anthropicKeyF, anthropicModel: *anthropicModelF,
		openaiKey: *openaiKeyF, openaiModel: *openaiModelF,
		bedrockRegion: *bedrockRegionF, bedrockModel: *bedrockModelF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build model registry")
	}

	router := &graph.ExecutorRouter{
		Registry: skills,
		LLM:      llm.New(models),
		REST:     rest.New(rest.Options{CallbackURL: *callbackURLF}),
		Function: action.NewFunctionExecutor(actions),
		Query:    action.NewQueryExecutor(nil, nil, "", rdb, nil, ""),
	}
	router.Pipeline = pipeline.New(router.Query, actions, router)

	planner := graph.NewPlanner(models)
	g := graph.NewGraph(skills, planner, router, checkpoints)

	eng, closeEngine, err := buildEngine(ctx, *temporalAddrF, *taskQueueF, logger)
	if err != nil {
		log.Fatalf(ctx, err, "build workflow engine")
	}
	defer closeEngine()

	if err := g.RegisterWith(ctx, eng, *taskQueueF); err != nil {
		log.Fatalf(ctx, err, "register workflow")
	}

	bus, closeBus, err := buildEventBus(ctx, db, rdb, logger)
	if err != nil {
		log.Fatalf(ctx, err, "build event bus")
	}
	defer closeBus()

	runStore, err := runmgrsqlite.WrapDB(db)
	if err != nil {
		log.Fatalf(ctx, err, "wrap run metadata store")
	}
	manager := runmgr.New(eng, *taskQueueF, runStore, models, checkpoints, bus, runmgr.Options{Logger: logger})

	server := api.New(manager, skills, bus, checkpoints, logger)
	handler := server.NewServer(ctx)

	httpServer := &http.Server{Addr: ":" + *httpPortF, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on :%s", *httpPortF)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Printf(ctx, "exited")
}

// buildSkillStore connects the dynamic (database-backed) half of the
// skill catalog (spec §4.1) when a Mongo URI is configured; a nil Store is
// valid and falls back to filesystem-only skills (skill.Registry.Reload
// treats r.store == nil as "no persisted skills").
func buildSkillStore(ctx context.Context, uri, database string) (skill.Store, func(), error) {
	if uri == "" {
		return nil, func() {}, nil
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	store, err := skillmongo.New(ctx, skillmongo.Options{Client: client, Database: database})
	if err != nil {
		return nil, nil, fmt.Errorf("build mongo skill store: %w", err)
	}
	return store, func() { _ = client.Disconnect(context.Background()) }, nil
}

func buildCheckpointStore(ctx context.Context, db *sql.DB, rdb *redis.Client, logger telemetry.Logger, metrics telemetry.Metrics) (*checkpoint.Store, error) {
	slow, err := checkpointsqlite.WrapDB(db)
	if err != nil {
		return nil, fmt.Errorf("wrap checkpoint slow tier: %w", err)
	}
	var cache checkpoint.CacheTier
	if rdb != nil {
		cache, err = checkpointredis.New(rdb)
		if err != nil {
			return nil, fmt.Errorf("build checkpoint cache tier: %w", err)
		}
	}
	return checkpoint.New(ctx, checkpoint.Options{Slow: slow, Cache: cache, Logger: logger, Metrics: metrics})
}

func buildEventBus(ctx context.Context, db *sql.DB, rdb *redis.Client, logger telemetry.Logger) (*eventbus.Bus, func(), error) {
	logSink, uiSink, err := eventbussqlite.WrapDB(db)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap event sinks: %w", err)
	}
	opts := eventbus.Options{LogSink: logSink, UISink: uiSink, Logger: logger}
	closeFns := []func(){}
	if rdb != nil {
		queue, err := eventbusredis.New(rdb)
		if err != nil {
			return nil, nil, fmt.Errorf("build durable log queue: %w", err)
		}
		opts.LogQueue = queue
	}
	bus := eventbus.New(ctx, opts)
	if rdb != nil {
		publisher, err := eventbuspulse.NewPublisher(rdb, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("build admin event publisher: %w", err)
		}
		bus.RegisterAdmin(publisher)
		sink, err := eventbuspulse.NewSink(ctx, rdb, "orchestrator-replica", bus)
		if err != nil {
			return nil, nil, fmt.Errorf("build admin event sink: %w", err)
		}
		closeFns = append(closeFns, func() { _ = sink.Close(context.Background()) })
	}
	return bus, func() {
		for _, fn := range closeFns {
			fn()
		}
	}, nil
}

func buildEngine(ctx context.Context, temporalAddr, taskQueue string, logger telemetry.Logger) (engine.Engine, func(), error) {
	if temporalAddr == "" {
		return inmem.New(logger), func() {}, nil
	}
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: temporalAddr},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: taskQueue},
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, func() {}, nil
}

type modelConfig struct {
	anthropicKey, anthropicModel string
	openaiKey, openaiModel       string
	bedrockRegion, bedrockModel  string
}

// buildModelRegistry registers a model.Client for every provider whose
// credentials were supplied on the command line; an operator can run with
// any subset (or none, for fixture-only testing with a registered fake).
func buildModelRegistry(cfg modelConfig) (*model.Registry, error) {
	registry := model.NewRegistry()

	if cfg.anthropicKey != "" {
		sdkClient := anthropicsdk.NewClient(anthropicopt.WithAPIKey(cfg.anthropicKey))
		client, err := anthropic.New(sdkClient.Messages, anthropic.Options{DefaultModel: cfg.anthropicModel})
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		registry.Register("anthropic", client)
	}

	if cfg.openaiKey != "" {
		sdkClient := openaisdk.NewClient(openaiopt.WithAPIKey(cfg.openaiKey))
		client, err := openai.New(openai.Options{Completions: sdkClient.Chat.Completions, DefaultModel: cfg.openaiModel})
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		registry.Register("openai", client)
	}

	if cfg.bedrockRegion != "" {
		awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.bedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		client, err := bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: cfg.bedrockModel})
		if err != nil {
			return nil, fmt.Errorf("build bedrock client: %w", err)
		}
		registry.Register("bedrock", client)
	}

	return registry, nil
}
