package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/agents"
	"github.com/qingchang/werewolf-auto-host/internal/api"
	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/auth"
	"github.com/qingchang/werewolf-auto-host/internal/broker"
	"github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/config"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/narrator"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/queue"
	"github.com/qingchang/werewolf-auto-host/internal/realtime"
	"github.com/qingchang/werewolf-auto-host/internal/scheduler"
	"github.com/qingchang/werewolf-auto-host/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found")
	}

	cfg := config.Load()
	logger, err := observability.SetupLogger()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.SetupTracerProvider(ctx, "werewolf-auto-host", cfg.TraceStdout, logger)
	if err != nil {
		logger.Fatal("cannot init tracer", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	db, err := store.ConnectMySQL(cfg.DBDSN)
	var st *store.Store
	if err != nil {
		logger.Warn("cannot connect db, falling back to IN-MEMORY MODE", zap.Error(err))
		st = store.NewMemoryStore()
	} else {
		defer db.Close()
		st = store.New(db)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour)

	var taskQueue *queue.Queue
	if cfg.RabbitMQURL != "" {
		slogLogger := observability.ZapToSlog(logger)
		taskQueue, err = queue.New(queue.Config{
			URL:        cfg.RabbitMQURL,
			QueueName:  "werewolf_tasks",
			Prefetch:   10,
			Logger:     slogLogger,
			RetryDelay: 2 * time.Second,
			MaxRetries: 3,
		})
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ", zap.Error(err))
			taskQueue = nil
		} else {
			logger.Info("Task queue connected", zap.String("url", cfg.RabbitMQURL))
			defer taskQueue.Close()
		}
	}

	eventBus := bus.New(logger, metrics)
	auditLog := audit.NewLog(st, logger)
	promptBroker := broker.New(eventBus, logger, metrics)

	streamer := llm.NewClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	logger.Info("llm upstream configured",
		zap.String("model", cfg.LLMModel),
		zap.String("base_url", cfg.LLMBaseURL))

	host := narrator.New(streamer, eventBus, auditLog, logger, metrics)
	agentRunner := agents.NewRunner(streamer, logger, metrics)

	schedCfg := scheduler.Config{
		SpeechTimeout:           cfg.SpeechTimeout,
		VoteTimeout:             cfg.VoteTimeout,
		NightActionTimeout:      cfg.NightActionTimeout,
		LastWordsTimeout:        cfg.LastWordsTimeout,
		WitchSelfSaveNight1Only: cfg.WitchSelfSaveNight1Only,
		HunterShootWhenPoisoned: cfg.HunterShootWhenPoisoned,
	}
	deps := scheduler.Deps{
		Bus:      eventBus,
		Broker:   promptBroker,
		Narrator: host,
		Agents:   agentRunner,
		Log:      auditLog,
		Store:    st,
		Logger:   logger,
		Metrics:  metrics,
	}
	if taskQueue != nil {
		deps.Tasks = taskQueue
	}
	manager := scheduler.NewManager(ctx, schedCfg, deps)
	defer manager.Close()

	if err := manager.RecoverInProgress(ctx); err != nil {
		logger.Error("restart recovery failed", zap.Error(err))
	}

	if taskQueue != nil {
		// With no external worker fleet, consume our own finished-game tasks
		// and archive the public transcript.
		taskQueue.RegisterHandler("game_finished", func(ctx context.Context, task queue.Task) (map[string]interface{}, error) {
			entries := auditLog.Fetch(task.RoomCode, audit.Viewer{}, 0)
			logger.Info("archived finished game",
				zap.String("room_code", task.RoomCode),
				zap.String("game_id", task.GameID),
				zap.Any("winner", task.Data["winner"]),
				zap.Int("transcript_entries", len(entries)))
			auditLog.Drop(task.RoomCode)
			return map[string]interface{}{"status": "archived", "entries": len(entries)}, nil
		})
		if err := taskQueue.Start(ctx); err != nil {
			logger.Error("Failed to start task queue", zap.Error(err))
		}
		go func() {
			for res := range taskQueue.Results() {
				if res.Success {
					logger.Debug("task processed",
						zap.String("task_id", res.TaskID),
						zap.String("task_type", res.TaskType),
						zap.Duration("duration", res.Duration))
					continue
				}
				logger.Warn("task failed",
					zap.String("task_id", res.TaskID),
					zap.String("task_type", res.TaskType),
					zap.String("room_code", res.RoomCode),
					zap.String("error", res.Error))
			}
		}()
	}

	wsServer := realtime.NewWSServer(jwtMgr, eventBus, auditLog, manager, logger, metrics)
	var apiOpts []api.ServerOption
	if taskQueue != nil {
		apiOpts = append(apiOpts, api.WithQueueHealth(taskQueue))
	}
	server := api.NewServer(jwtMgr, manager, auditLog, wsServer, logger, apiOpts...)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router}
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
