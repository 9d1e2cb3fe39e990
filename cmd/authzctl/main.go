// authzctl drives the resolution engine from the terminal: one-off access
// checks, filter inspection, cache maintenance, and schema setup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sq "github.com/Masterminds/squirrel"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz"
	"github.com/odyssey-erp/authz/cmd/authzctl/cli"
	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/jobs"
	"github.com/odyssey-erp/authz/notify"
	"github.com/odyssey-erp/authz/pgstore"
)

func usage() {
	fmt.Fprint(os.Stderr, `usage: authzctl <command> [flags]

Commands:
  check        run a single access check
  filter       print the SQL predicate a list query should embed
  warm         enqueue (or run locally) a cache warmup
  invalidate   publish a cache invalidation to every engine instance
  schema       create the authz tables if they are missing
  queue        show warmup queue depths
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error(os.Args[1], slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, cmd string, args []string) error {
	switch cmd {
	case "check":
		return runCheck(ctx, cfg, logger, args)
	case "filter":
		return runFilter(ctx, cfg, logger, args)
	case "warm":
		return runWarm(ctx, cfg, logger, args)
	case "invalidate":
		return runInvalidate(ctx, cfg, logger, args)
	case "schema":
		return runSchema(ctx, cfg, logger, args)
	case "queue":
		return runQueue(cfg, args)
	case "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// buildEngine wires a full engine against live Postgres. The returned cleanup
// closes the pool.
func buildEngine(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*authz.Engine, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	registry, err := app.LoadRegistry(cfg.ClassesPath)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	engineCfg, err := authz.LoadConfig()
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	engine, err := authz.New(*engineCfg, pgstore.New(pool), registry, authz.WithLogger(logger))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return engine, pool.Close, nil
}

func runCheck(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	principal := fs.Int64("principal", 0, "principal id")
	class := fs.String("class", "", "resource class name")
	id := fs.Int64("id", 0, "resource id")
	levelName := fs.String("level", "view", "required level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal <= 0 || *class == "" || *id <= 0 {
		return errors.New("check requires -principal, -class and -id")
	}
	level, err := authz.ParseLevel(*levelName)
	if err != nil {
		return err
	}

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	decision := engine.Check(ctx, *principal, *class, *id, level)
	fmt.Println(cli.FormatDecision(decision))
	if decision.Outcome == authz.OutcomeError {
		return decision.Err
	}
	return nil
}

func runFilter(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("filter", flag.ContinueOnError)
	principal := fs.Int64("principal", 0, "principal id")
	class := fs.String("class", "", "resource class name")
	levelName := fs.String("level", "view", "required level")
	alias := fs.String("alias", "", "table alias used by the outer query")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal <= 0 || *class == "" {
		return errors.New("filter requires -principal and -class")
	}
	level, err := authz.ParseLevel(*levelName)
	if err != nil {
		return err
	}

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var pred sq.Sqlizer
	if *alias != "" {
		pred, err = engine.GenerateFilterAs(ctx, *principal, *class, *alias, level)
	} else {
		pred, err = engine.GenerateFilter(ctx, *principal, *class, level)
	}
	if err != nil {
		return err
	}
	out, err := cli.FormatPredicate(pred)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runWarm(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("warm", flag.ContinueOnError)
	rawIDs := fs.String("principals", "", "comma-separated principal ids to pre-resolve")
	local := fs.Bool("local", false, "run the warmup in-process instead of enqueueing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := cli.ParsePrincipals(*rawIDs)
	if err != nil {
		return err
	}

	if *local {
		engine, cleanup, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := engine.Warm(ctx, ids); err != nil {
			return err
		}
		logger.Info("warmed caches", slog.Int("principals", len(ids)))
		return nil
	}

	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close queue client", slog.Any("error", err))
		}
	}()

	info, err := client.EnqueueCacheWarmup(ctx, jobs.CacheWarmupPayload{PrincipalIDs: ids})
	if err != nil {
		return err
	}
	logger.Info("enqueued cache warmup",
		slog.String("task_id", info.ID),
		slog.Int("principals", len(ids)))
	return nil
}

func runInvalidate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("invalidate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	bus := notify.New(client, notify.WithLogger(logger))
	if err := bus.Publish(ctx); err != nil {
		return err
	}
	version, err := bus.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("invalidation version %d\n", version)
	return nil
}

func runSchema(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema ready")
	return nil
}

func runQueue(cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() { _ = inspector.Close() }()

	stats, err := cli.InspectQueue(inspector)
	if err != nil {
		return err
	}
	fmt.Println(stats)
	return nil
}
