package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/admin"
	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/commands"
	"github.com/rowwatch/rowwatch/directory"
	"github.com/rowwatch/rowwatch/messenger"
	"github.com/rowwatch/rowwatch/notify"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
	"github.com/rowwatch/rowwatch/watch"
)

func main() {
	flag.Parse()

	config, err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging(config)

	log.Info().Msg("Rowwatch - data store notification relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.Initialize(config.Prometheus.Enabled, config.InstanceID)

	startedAt := time.Now()

	// Phase 1: storage layers
	log.Info().Str("driver", string(config.Store.Driver)).Msg("Opening data store")
	reader, err := store.OpenSQL(string(config.Store.Driver), config.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open data store")
		return
	}
	defer reader.Close()

	watermarks, err := store.OpenWatermarks(filepath.Join(config.DataDir, "watermarks"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open watermark store")
		return
	}
	defer watermarks.Close()

	cache, err := store.NewCache(config.Cache.MaxSize, time.Duration(config.Cache.TTLSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query cache")
		return
	}
	cachedReader := store.NewCachedStore(reader, cache)

	dir, err := directory.Load(filepath.Join(config.DataDir, config.Directory.File))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load subscription directory")
		return
	}
	telemetry.ActiveSubscriptions.Set(float64(len(dir.ActiveGroups())))

	// Phase 2: delivery
	var client messenger.Client = messenger.LogClient{}
	admins := notify.NewAdminNotifier(
		client,
		config.SuperadminIDs,
		config.Notify.AdminRetries,
		time.Duration(config.Notify.AdminDelayMS)*time.Millisecond,
	)

	dispatcher, err := notify.NewDispatcher(config.Notify, client, dir, admins)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher")
		return
	}

	// Phase 3: change detection
	tasks := watch.NewTaskGroup(context.Background())

	stream := store.NewNATSStream(store.NATSStreamConfig{
		URL:                  config.Stream.NatsURL,
		SubjectPrefix:        config.Stream.SubjectPrefix,
		ServiceCredential:    config.Stream.ServiceCredential,
		RestrictedCredential: config.Stream.RestrictedCredential,
	})
	listener := watch.NewListener(config.Watch, config.Store.Tables, stream, dispatcher, admins, tasks)
	listener.Initialize(tasks.Context())

	poller, err := watch.NewPoller(config.Watch, config.Store.Tables, cachedReader, watermarks, listener, dispatcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poll scanner")
		return
	}
	tasks.Go("poller", poller.Run)

	supervisor := watch.NewSupervisor(config.Watch, listener, reader, admins)
	tasks.Go("supervisor", supervisor.Run)

	tasks.Go("cache-sweeper", func(ctx context.Context) {
		sweepCache(ctx, cache, time.Duration(config.Cache.SweepS)*time.Second)
	})

	// Phase 4: command routing
	router := commands.NewRouter(commands.Deps{
		Config:      config.Commands,
		Client:      client,
		Reader:      cachedReader,
		Cache:       cache,
		Directory:   dir,
		Listener:    listener,
		Watermarks:  poller,
		Superadmins: config.SuperadminIDs,
		Tables:      config.Store.Tables,
		StartedAt:   startedAt,
	})
	if source, ok := client.(messenger.UpdateSource); ok {
		tasks.Go("commands", func(ctx context.Context) {
			updates := source.Updates(ctx)
			for update := range updates {
				router.Dispatch(ctx, update.ChatID, update.ChatTitle, update.UserID, update.Text)
			}
		})
	} else {
		log.Info().Msg("Messenger client has no update feed, command routing is idle")
	}

	// Phase 5: admin HTTP surface
	if config.Admin.Enabled {
		server := admin.NewServer(config.Admin.BindAddress, &admin.Handlers{
			Reader:     reader,
			Cache:      cache,
			Directory:  dir,
			Listener:   listener,
			Watermarks: poller,
			Tasks:      tasks,
			StartedAt:  startedAt,
		})
		tasks.Go("admin-http", func(ctx context.Context) {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(shutdownCtx)
			}()
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("Admin HTTP surface failed")
			}
		})
	}

	log.Info().
		Uint64("instance_id", config.InstanceID).
		Strs("tables", config.Store.Tables).
		Str("data_dir", config.DataDir).
		Msg("Rowwatch is operational")

	// Run until signalled
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	listener.Shutdown()
	if err := tasks.Shutdown(10 * time.Second); err != nil {
		log.Warn().Err(err).Msg("Shutdown left tasks behind")
	}
	log.Info().Msg("Rowwatch stopped")
}

func setupLogging(config *cfg.Configuration) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", config.InstanceID).
		Logger()

	if config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

// sweepCache evicts expired cache entries on an interval so memory tracks
// the working set instead of the high-water mark.
func sweepCache(ctx context.Context, cache *store.Cache, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := cache.CleanupExpired()
			telemetry.CacheEntries.Set(float64(cache.Len()))
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
			}
		}
	}
}
