// Command validator runs the liquidity-provision subnet validator: it
// loads a job configuration, wires every pipeline collaborator, and drives
// each job's independent round loop until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"subnetvalidator/internal/bootstrap"
	"subnetvalidator/internal/events"
	"subnetvalidator/internal/executorsink"
	"subnetvalidator/internal/healthz"
	"subnetvalidator/internal/livegate"
	"subnetvalidator/internal/minerregistry"
	"subnetvalidator/internal/minertransport"
	"subnetvalidator/internal/poolsim"
	"subnetvalidator/internal/reputation"
	"subnetvalidator/internal/roundexec"
	"subnetvalidator/internal/scheduler"
	"subnetvalidator/internal/scorer"
	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/concurrency"
	"subnetvalidator/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the validator configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap application: %v\n", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup("subnetvalidator", telemetry.Options{
		NetworkName:   app.Cfg.App.NetworkName,
		Netuid:        app.Cfg.App.Netuid,
		EnableMetrics: app.Cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		app.Logger.Fatal("failed to set up telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	runner, cleanup, err := build(app)
	if err != nil {
		app.Logger.Fatal("failed to wire validator components", "error", err)
	}
	defer cleanup()

	if err := app.Run(runner); err != nil {
		app.Logger.Fatal("validator exited with error", "error", err)
	}
}

// validatorRunner adapts a *scheduler.Scheduler, a *healthz.Server, the
// Live Gate's retry sweep, and any live-tail warm-cache subscribers into
// one bootstrap.Runner.
type validatorRunner struct {
	sched     *scheduler.Scheduler
	health    *healthz.Server
	gate      *livegate.Gate
	liveTails []*events.LiveTail
	logger    validatorcore.ILogger
}

func (r *validatorRunner) Run(ctx context.Context) error {
	r.health.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.health.Stop(stopCtx)
	}()

	defer r.gate.StopRetrySweep()

	for _, tail := range r.liveTails {
		tail.Start(ctx)
	}
	defer func() {
		for _, tail := range r.liveTails {
			tail.Stop()
		}
	}()

	return r.sched.Run(ctx)
}

// build wires every collaborator the Scheduler needs from app's loaded
// configuration, and returns a Runner plus a cleanup function releasing
// the db handles. Live-tail sockets are closed by the Runner when Run
// returns.
func build(app *bootstrap.App) (bootstrap.Runner, func(), error) {
	cfg := app.Cfg
	logger := app.Logger

	store, err := reputation.NewStore(cfg.App.ReputationPath, scorer.New())
	if err != nil {
		return nil, nil, fmt.Errorf("open reputation store: %w", err)
	}

	eventsSource, err := events.NewSQLiteEventsSource(cfg.App.EventsSourceDSN)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open events source: %w", err)
	}

	cleanup := func() {
		_ = eventsSource.Close()
		_ = store.Close()
	}

	var sink validatorcore.ExecutorSink
	if cfg.App.DryRun || cfg.App.ExecutorSinkURL == "" {
		sink = executorsink.NewNoopSink(logger)
	} else {
		sink = executorsink.NewHTTPSink(cfg.App.ExecutorSinkURL)
	}

	// No durable workflow runtime is attached: the dbos-transact-golang
	// pack carries no constructor callers outside its own package, so the
	// Live Gate falls back to running its handoff step inline, idempotency
	// still enforced through the reputation store's round_id key.
	gate := livegate.New(nil, sink, store, logger)
	if err := gate.StartRetrySweep(cfg.System.LiveGateSweepCron); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("start live-gate retry sweep: %w", err)
	}

	windows := events.NewBlockWindowFramer(eventsSource, secondsToDuration(0))

	var registryEntries []minerregistry.Entry
	for _, j := range cfg.ActiveJobs() {
		for _, m := range j.Miners {
			registryEntries = append(registryEntries, minerregistry.Entry{JobID: j.JobID, MinerID: m.MinerID, Endpoint: m.Endpoint})
		}
	}
	registry := minerregistry.NewStatic(registryEntries)

	transport := minertransport.NewHTTPTransport(registry.Resolve, cfg.Concurrency.MinerTransportRPS, cfg.Concurrency.MinerTransportBurst, logger)

	healthMgr := healthz.NewManager(logger)
	sched := scheduler.New(store, registry, windows, gate, cfg.App.MinerTimeout, logger)

	var liveTails []*events.LiveTail

	for _, j := range cfg.ActiveJobs() {
		jobHealth := healthz.NewJobHealth(3)
		healthMgr.Register(j.JobID, jobHealth.Check)

		feeTier := decimal.NewFromFloat(j.FeeTier)
		initialInventory := validatorcore.Inventory{
			Amount0: mustDecimal(j.InitialInventory0),
			Amount1: mustDecimal(j.InitialInventory1),
		}

		var jobSource validatorcore.EventsSource = eventsSource
		if j.LiveTailURL != "" {
			tail := events.NewLiveTail(j.LiveTailURL, logger)
			liveTails = append(liveTails, tail)
			jobSource = events.NewLiveTailSource(eventsSource, tail)
		}

		newSim := func(pairAddress string) roundexec.SimulatorFactory {
			return func(ctx context.Context, minerID string, startBlock int64, source validatorcore.EventsSource) (validatorcore.PoolSimulator, error) {
				sqrtPrice, err := source.PriceAtOrBefore(ctx, pairAddress, startBlock)
				if err != nil {
					return nil, err
				}
				startState := validatorcore.PoolState{
					Block:        startBlock,
					SqrtPriceX96: sqrtPrice,
					CurrentTick:  tickmath.TickOfPrice(tickmath.PriceFromSqrtX96(sqrtPrice)),
					FeeTier:      feeTier,
				}
				return poolsim.New(pairAddress, minerID, feeTier, source, startState, nil, initialInventory, logger)
			}
		}(j.PairAddress)

		minerPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "round-" + j.JobID + "-miners",
			MaxWorkers:  len(j.Miners),
			MaxCapacity: cfg.Concurrency.MinerPoolMaxCapacity,
		}, logger)

		executor := roundexec.New(transport, newSim, jobSource, cfg.App.MinerTimeout, minerPool, logger)

		sched.AddJob(scheduler.JobParams{
			Job: validatorcore.Job{
				JobID:              j.JobID,
				PairAddress:        j.PairAddress,
				VaultAddress:       j.VaultAddress,
				ChainID:            j.ChainID,
				RoundDuration:      j.RoundDuration,
				CheckpointInterval: j.CheckpointInterval,
				Target:             "PoL",
				Active:             j.Active,
			},
			Constraints: validatorcore.Constraints{
				MaxIL:         decimal.NewFromFloat(j.MaxIL),
				MinTickWidth:  j.MinTickWidth,
				MaxRebalances: j.MaxRebalances,
			},
			InitialInventory: initialInventory,
			Executor:         executor,
			Health:           jobHealth,
		})

		// Each job's block window framer needs its own per-chain block time;
		// re-derive it here since NewBlockWindowFramer was built with a
		// placeholder above.
		windows.SetBlockTime(j.PairAddress, secondsToDuration(j.BlockTimeSeconds))
	}

	healthSrv := healthz.NewServer(cfg.System.HealthPort, logger, healthMgr)

	return &validatorRunner{sched: sched, health: healthSrv, gate: gate, liveTails: liveTails, logger: logger}, cleanup, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
