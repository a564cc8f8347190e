// Command toriid runs the torii transaction dispatcher: the HTTP surface a
// homeserver pushes appservice transactions and queries to, backed by the
// intent registry, transaction-dedup store, and room tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/torii/common/crypto"
	"github.com/bdobrica/torii/common/environment"
	"github.com/bdobrica/torii/common/version"
	"github.com/bdobrica/torii/internal/torii/appservice"
	"github.com/bdobrica/torii/internal/torii/cryptostore"
	"github.com/bdobrica/torii/internal/torii/dedup"
	"github.com/bdobrica/torii/internal/torii/events"
	"github.com/bdobrica/torii/internal/torii/intent"
	"github.com/bdobrica/torii/internal/torii/join"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
	"github.com/bdobrica/torii/internal/torii/observability"
	"github.com/bdobrica/torii/internal/torii/preprocess"
	"github.com/bdobrica/torii/internal/torii/registration"
	"github.com/bdobrica/torii/internal/torii/roomtracker"
	"github.com/bdobrica/torii/internal/torii/store"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "genconfig" {
		if err := runGenConfig(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("torii appservice dispatcher\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runGenConfig implements the "toriid genconfig" subcommand: it generates a
// fresh registration document (random as_token/hs_token, a namespace
// scoped to TORII_SERVER_NAME's users under the "torii_" prefix) and writes
// it to the given path (default "registration.yaml"), per §5's bootstrap
// workflow.
func runGenConfig(args []string) error {
	path := "registration.yaml"
	if len(args) > 0 {
		path = args[0]
	}

	serverName, err := environment.RequiredString("TORII_SERVER_NAME")
	if err != nil {
		return err
	}

	reg := &registration.Registration{
		ID:              "torii",
		ASToken:         uuid.NewString(),
		HSToken:         uuid.NewString(),
		SenderLocalpart: "toriibot",
		Namespaces: registration.Namespaces{
			Users: []registration.Namespace{
				{Exclusive: true, Regex: "@torii_.*:" + regexp.QuoteMeta(serverName)},
			},
		},
	}

	if err := reg.Save(path); err != nil {
		return fmt.Errorf("genconfig: %w", err)
	}
	fmt.Printf("wrote registration to %s\n", path)
	return nil
}

func run() error {
	log := observability.Setup(environment.StringOr("TORII_LOG_LEVEL", "info"), environment.StringOr("TORII_LOG_FORMAT", "console"))

	registrationPath, err := environment.RequiredString("TORII_REGISTRATION_PATH")
	if err != nil {
		return err
	}
	reg, err := registration.Load(registrationPath)
	if err != nil {
		return fmt.Errorf("load registration: %w", err)
	}

	serverName, err := environment.RequiredString("TORII_SERVER_NAME")
	if err != nil {
		return err
	}
	homeserverURL, err := environment.RequiredString("TORII_HOMESERVER_URL")
	if err != nil {
		return err
	}

	matcher, err := registration.NewMatcher(reg, serverName)
	if err != nil {
		return fmt.Errorf("compile namespace matcher: %w", err)
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}

	db, err := store.New(environment.StringOr("TORII_DATABASE_PATH", "./torii.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// cryptoStore persists the Room Tracker's per-room encryption config
	// across restarts (encrypted at rest via masterKey), so a bridge reboot
	// doesn't have to re-fetch m.room.encryption for every known room
	// before it can safely route a send.
	cryptoStore, err := cryptostore.New(db, masterKey)
	if err != nil {
		return fmt.Errorf("init crypto store: %w", err)
	}

	botUserID := id.UserID(matcher.BotUserID())

	botClient, err := matrixclient.NewForUser(homeserverURL, botUserID, reg.ASToken)
	if err != nil {
		return fmt.Errorf("build bot client: %w", err)
	}

	dedupe := dedup.New(dedup.DefaultCapacity).WithPersistence(db)

	tracker := roomtracker.New(
		roomtracker.FetcherFunc(func(ctx context.Context, roomID id.RoomID) (roomtracker.Config, error) {
			return fetchRoomEncryption(ctx, botClient, roomID)
		}),
		roomtracker.WithPersistence(cryptoStore),
		roomtracker.WithRefreshObserver(func(roomID id.RoomID, cfg roomtracker.Config, err error) {
			if err != nil {
				log.Warn().Err(err).Str("room_id", roomID.String()).Msg("toriid: room tracker refresh failed")
			}
		}),
	)

	registry := intent.NewRegistry(intent.Options{
		Namespace: matcher,
		NewClient: func(userID id.UserID) (matrixclient.Client, error) {
			if userID == botUserID {
				return botClient, nil
			}
			return matrixclient.NewForUser(homeserverURL, userID, reg.ASToken)
		},
		Registered:   db,
		JoinStrategy: &join.SimpleRetryStrategy{Schedule: join.DefaultSchedule},
		BotUserID:    botUserID,
		OnNewIntent: func(ctx context.Context, userID id.UserID) {
			log.Debug().Str("user_id", userID.String()).Msg("toriid: intent.new")
		},
		// No CryptoEngine is wired: Olm/Megolm session handling is out of
		// scope (see the purpose statement). RoomEncrypted still reports
		// the Room Tracker's state so a send into an encrypted room fails
		// loudly with CryptoUninitializedError instead of leaking
		// plaintext.
		RoomEncrypted: func(roomID id.RoomID) bool {
			cfg, err := tracker.EnsureFresh(context.Background(), roomID)
			return err == nil && cfg.Encrypted
		},
	})

	pipeline := preprocess.New()
	pipeline.Register("log-event", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		log.Debug().Str("event_type", ev.Type).Str("room_id", ev.RoomID).Str("kind", kind.String()).Msg("toriid: processing event")
		return nil
	})

	server := appservice.New(appservice.Config{
		Addr:         environment.StringOr("TORII_LISTEN_ADDR", ":8008"),
		HSToken:      reg.HSToken,
		Registration: reg,
		Namespace:    matcher,
		Registry:     registry,
		Dedup:        dedupe,
		Pipeline:     pipeline,
		RoomTracker:  tracker,
		Client:       botClient,
		Logger:       log,
	})

	server.OnRoomEvent(func(ctx context.Context, ev *events.RoomEvent) {
		log.Debug().Str("event_id", ev.EventID).Msg("toriid: room event dispatched")
	})

	listenAddr := environment.StringOr("TORII_LISTEN_ADDR", ":8008")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start appservice server: %w", err)
	}

	log.Info().Str("addr", listenAddr).Msg("toriid: listening for homeserver transactions")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("toriid: shutting down")
	server.Stop()
	return nil
}

// fetchRoomEncryption reads a room's m.room.encryption state event (if any)
// and reports whether the room is encrypted, feeding the Room Tracker's
// per-room Config cache.
func fetchRoomEncryption(ctx context.Context, client matrixclient.Client, roomID id.RoomID) (roomtracker.Config, error) {
	var content event.EncryptionEventContent
	err := client.GetRoomStateEvent(ctx, roomID, event.StateEncryption, "", &content)
	if err != nil {
		if errors.Is(err, matrixclient.ErrNotFound) {
			return roomtracker.Config{Encrypted: false}, nil
		}
		return roomtracker.Config{}, fmt.Errorf("fetch m.room.encryption for %s: %w", roomID, err)
	}
	return roomtracker.Config{Encrypted: true, Algorithm: string(content.Algorithm)}, nil
}
