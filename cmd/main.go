package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	httpapi "github.com/telemir/signalmesh/internal/api/http"
	"github.com/telemir/signalmesh/internal/config"
	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine"
	"github.com/telemir/signalmesh/internal/negotiation"
	"github.com/telemir/signalmesh/internal/presence"
	"github.com/telemir/signalmesh/internal/registry"
	"github.com/telemir/signalmesh/internal/repository"
	"github.com/telemir/signalmesh/internal/repository/model"
	"github.com/telemir/signalmesh/internal/router"
	"github.com/telemir/signalmesh/internal/service"
	"github.com/telemir/signalmesh/internal/transport"
	"github.com/telemir/signalmesh/lib/logger/sl"
	"github.com/telemir/signalmesh/lib/logger/slogpretty"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	var roomRepo repository.RoomRepository
	var userRepo repository.UserRepository
	if cfg.Database.DSN != "" {
		db, err := connectDatabase(cfg.Database)
		if err != nil {
			log.Error("failed to connect database", sl.Err(err))
			os.Exit(1)
		}
		roomRepo = repository.NewPostgresRoomRepository(db)
		userRepo = repository.NewPostgresUserRepository(db)
	} else {
		log.Warn("no database configured, rooms are not persisted across restarts")
		roomRepo = repository.NewInMemoryRoomRepository()
		userRepo = repository.NewInMemoryUserRepository()
	}

	engines, err := engine.NewPionFactory(cfg.WebRTC.STUNServers, log)
	if err != nil {
		log.Error("failed to build webrtc factory", sl.Err(err))
		os.Exit(1)
	}

	var pres *presence.Store
	if cfg.Redis.Addr != "" {
		pres, err = presence.New(presence.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			log.Error("failed to connect redis", sl.Err(err))
			os.Exit(1)
		}
		defer pres.Close()
	}

	var newSource func() engine.Source
	if addr := cfg.WebRTC.MediaSource.ListenAddr; addr != "" {
		mime := cfg.WebRTC.MediaSource.MimeType
		newSource = func() engine.Source {
			src := engine.NewRTPSource(mime, log)
			go func() {
				if err := src.FeedUDP(context.Background(), addr); err != nil {
					log.Error("rtp feed stopped", sl.Err(err))
				}
			}()
			return src
		}
	}

	roomService := service.NewRoomService(roomRepo, userRepo, engines, newSource, pres, log)
	userService := service.NewUserService(userRepo, log)

	if cfg.Signaling.URL != "" || cfg.AMQP.URL != "" {
		if err := startClientSide(cfg, engines, log); err != nil {
			log.Error("failed to start client transports", sl.Err(err))
			os.Exit(1)
		}
	}

	roomController := httpapi.NewRoomController(roomService, userService)
	userController := httpapi.NewUserController(userService)

	ginRouter := httpapi.SetupRouter(roomController, userController, httpapi.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
	})

	log.Info("starting application", slog.String("addr", cfg.HTTP.Address), slog.String("env", cfg.Env))
	if err := ginRouter.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

// startClientSide joins an upstream signaling room and, when
// configured, an AMQP bus. Each transport gets its own dispatcher so a
// lost connection fails only its own sessions.
func startClientSide(cfg *config.Config, engines engine.Factory, log *slog.Logger) error {
	sup := router.Supervision{
		Policy:      router.RestartTries,
		MaxRestarts: cfg.Mailbox.MaxRestarts,
		Backoff:     cfg.Mailbox.Backoff,
	}

	if cfg.Signaling.URL != "" {
		dial := func() (<-chan struct{}, func(), error) {
			var client *transport.RoomClient
			reg := registry.New(engines, nil, negotiation.OutboundFunc(func(ev domain.Event) {
				client.Deliver(ev)
			}), log)
			d := service.NewDispatcher(reg, router.New(log), domain.RoleResponder, sup, log)

			client = transport.NewRoomClient(transport.RoomClientConfig{
				URL:     cfg.Signaling.URL,
				LocalID: cfg.Signaling.LocalID,
				Room:    cfg.Signaling.Room,
			}, d, log)

			if err := client.Connect(context.Background()); err != nil {
				d.Shutdown()
				return nil, nil, err
			}
			return client.Done(), d.Shutdown, nil
		}

		if err := superviseTransport("signaling", sup, log, dial); err != nil {
			return err
		}
		log.Info("joined upstream signaling room", slog.String("room", cfg.Signaling.Room))
	}

	if cfg.AMQP.URL != "" {
		dial := func() (<-chan struct{}, func(), error) {
			var bus *transport.Bus
			reg := registry.New(engines, nil, negotiation.OutboundFunc(func(ev domain.Event) {
				bus.Deliver(ev)
			}), log)
			d := service.NewDispatcher(reg, router.New(log), domain.RoleResponder, sup, log)

			bus = transport.NewBus(transport.BusConfig{
				URL:           cfg.AMQP.URL,
				ConsumeQueues: cfg.AMQP.ConsumeQueues,
				PublishPrefix: cfg.AMQP.PublishPrefix,
				Attempts:      cfg.AMQP.Attempts,
				WaitTime:      cfg.AMQP.WaitTime,
			}, d, log)

			if err := bus.Connect(); err != nil {
				d.Shutdown()
				return nil, nil, err
			}
			go func() {
				if err := bus.Run(context.Background()); err != nil {
					log.Error("amqp bus stopped", sl.Err(err))
				}
			}()
			return bus.Done(), d.Shutdown, nil
		}

		if err := superviseTransport("amqp", sup, log, dial); err != nil {
			return err
		}
		log.Info("amqp bus connected", slog.Any("queues", cfg.AMQP.ConsumeQueues))
	}

	return nil
}

// superviseTransport watches a client transport for disconnects. The
// dropped connection's sessions are torn down, never resumed; redials
// come out of the mailbox restart budget.
func superviseTransport(name string, sup router.Supervision, log *slog.Logger,
	dial func() (<-chan struct{}, func(), error)) error {

	done, stop, err := dial()
	if err != nil {
		return err
	}

	go func() {
		for tries := sup.MaxRestarts; ; tries-- {
			<-done
			stop()
			if tries <= 0 {
				log.Error("transport restart budget exhausted", slog.String("transport", name))
				return
			}
			log.Warn("transport disconnected, redialing",
				slog.String("transport", name), slog.Int("tries_left", tries))
			time.Sleep(sup.Backoff)

			done, stop, err = dial()
			if err != nil {
				log.Error("transport redial failed", slog.String("transport", name), sl.Err(err))
				return
			}
		}
	}()
	return nil
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func connectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.AutoMigrate(&model.Room{}, &model.Peer{}, &model.User{}, &model.ChatMessage{})

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
