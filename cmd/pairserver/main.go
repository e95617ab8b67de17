package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pairline/chat-app/internal/audit"
	"github.com/pairline/chat-app/internal/messaging"
	"github.com/pairline/chat-app/internal/presence"
	"github.com/pairline/chat-app/internal/protocol"
	"github.com/pairline/chat-app/internal/ratelimit"
	"github.com/pairline/chat-app/internal/relay"
	"github.com/pairline/chat-app/internal/room"
	"github.com/pairline/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis (rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()
	limiter := ratelimit.NewLimiter(rdb)

	// --- Postgres (pairing audit log, optional) ---
	var auditDB *sql.DB
	auditURL := os.Getenv("AUDIT_DATABASE_URL")
	if auditURL != "" {
		auditDB, err = sql.Open("postgres", auditURL)
		if err != nil {
			log.Fatalf("failed to open audit database: %v", err)
		}
		if err := auditDB.Ping(); err != nil {
			log.Fatalf("failed to connect to audit database: %v", err)
		}
		migrationsDir := "migrations"
		if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
			migrationsDir = v
		}
		if err := runMigrations(auditDB, migrationsDir); err != nil {
			log.Fatalf("failed to run audit migrations: %v", err)
		}
	}
	auditStore := audit.NewStore(auditDB) // nil db disables auditing

	log.Printf("Pairline server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  audit_enabled:   %v", auditDB != nil)

	// --- Core wiring ---
	store := presence.NewStore()
	rel := relay.New(natsClient, nil) // sender wired after the server exists
	coord := room.NewCoordinator(store, rel, nil, auditStore)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// register — claim a display name
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		regMsg, ok := msg.(protocol.RegisterMsg)
		if !ok {
			return
		}
		sid := conn.ID

		if err := presence.ValidateDisplayName(regMsg.Username); err != nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_username", Message: err.Error(),
			})
			conn.WriteMessage(resp)
			return
		}

		store.SetDisplayName(sid, regMsg.Username)
		log.Printf("register session=%s name=%q", sid, regMsg.Username)
	})

	// -----------------------------------------------------------------------
	// find-partner — search for an available partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindPartner, func(conn *ws.Connection, msg interface{}) {
		sid := conn.ID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, sid, ratelimit.RuleFindPartner)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleFindPartner.Window.Seconds()),
			})
			conn.WriteMessage(resp)
			return
		}

		coord.FindPartner(sid)
		log.Printf("find-partner from session=%s", sid)
	})

	// -----------------------------------------------------------------------
	// connect-to-partner — attempt to pair with a proposed partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConnectPartner, func(conn *ws.Connection, msg interface{}) {
		connectMsg, ok := msg.(protocol.ConnectPartnerMsg)
		if !ok {
			return
		}
		sid := conn.ID

		if err := coord.TryPair(sid, connectMsg.PartnerID); err != nil {
			log.Printf("connect-to-partner session=%s target=%s rejected: %v",
				sid, connectMsg.PartnerID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeMatchFailed, protocol.MatchFailedMsg{
				Reason: "Partner not available",
			})
			conn.WriteMessage(resp)
			return
		}
	})

	// -----------------------------------------------------------------------
	// skip-partner — refuse a partner and search again
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkipPartner, func(conn *ws.Connection, msg interface{}) {
		skipMsg, ok := msg.(protocol.SkipPartnerMsg)
		if !ok {
			return
		}
		sid := conn.ID

		coord.Skip(sid, skipMsg.SkippedID)
		log.Printf("skip-partner from session=%s skipped=%s", sid, skipMsg.SkippedID)
	})

	// -----------------------------------------------------------------------
	// message — relay a chat payload to the room partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		sid := conn.ID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, sid, ratelimit.RuleMessage)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
			})
			conn.WriteMessage(resp)
			return
		}

		if err := rel.Send(chatMsg.RoomID, sid, chatMsg.Message); err != nil {
			log.Printf("message dropped session=%s room=%s: %v", sid, chatMsg.RoomID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_room", Message: "not a member of this room",
			})
			conn.WriteMessage(resp)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	rel.SetSender(server)
	coord.SetNotifier(server)

	// New connections enter the presence registry and receive their session id.
	server.SetOnConnect(func(conn *ws.Connection) {
		sess := store.Create(conn.ID)
		resp, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
			SessionID: sess.ID,
			Username:  sess.DisplayName,
		})
		if err != nil {
			log.Printf("failed to build session-created for session %s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("failed to send session-created for session %s: %v", conn.ID, err)
		}
	})

	// Disconnects unwind any pairing (notifying the partner) and drop the
	// registry entry.
	server.SetOnDisconnect(coord.Disconnect)

	// Per-IP connect rate limiting at upgrade time.
	server.SetUpgradeGate(func(r *http.Request) bool {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, host, ratelimit.RuleConnect)
		return allowed
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if auditDB != nil {
			if err := auditDB.Close(); err != nil {
				log.Printf("audit database close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies any pending schema migrations from dir against db.
func runMigrations(db *sql.DB, dir string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
