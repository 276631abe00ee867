package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openvolt/gridex/internal/api"
	"github.com/openvolt/gridex/internal/auth"
	"github.com/openvolt/gridex/internal/cache"
	"github.com/openvolt/gridex/internal/collab"
	"github.com/openvolt/gridex/internal/config"
	"github.com/openvolt/gridex/internal/events"
	"github.com/openvolt/gridex/internal/exchange"
	"github.com/openvolt/gridex/internal/ledger"
	"github.com/openvolt/gridex/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool)}
}

func (h *wsHub) broadcast(v interface{}) {
	h.mu.RLock()
	var dead []*wsClient
	for client := range h.clients {
		if err := client.send(v); err != nil {
			dead = append(dead, client)
		}
	}
	h.mu.RUnlock()
	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}
}

func (h *wsHub) handle(engine *exchange.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &wsClient{conn: conn}
		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		// Send the current book as the initial frame.
		if bids, asks, err := engine.BookSnapshot(r.Context()); err == nil {
			_ = client.send(cache.BookSnapshot{Bids: bids, Asks: asks})
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, client)
				h.mu.Unlock()
				break
			}
		}
	}
}

// Main entry point: wires store, engine, ledger, executor and HTTP server.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DB.Enabled {
		pg, err := store.NewPG(ctx, cfg.DB.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		st = pg
	} else {
		st = store.NewMemory()
	}

	// Event fan-out: websocket subscribers always, Kafka when configured.
	bus := events.NewBus()
	emitter := events.Multi{bus}
	if cfg.Kafka.Enabled {
		kafkaEmitter := events.NewKafkaEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaEmitter.Close()
		emitter = append(emitter, kafkaEmitter)
	}

	clock := collab.SystemClock{}
	certs := collab.NewStaticCertValidator()
	settleExec := collab.NewMemoryExecutor()

	lgr := ledger.New(st)
	executor := ledger.NewExecutor(lgr, settleExec, emitter, clock,
		ledger.WithMaxAttempts(cfg.Engine.MaxAttempts),
		ledger.WithBaseBackoff(cfg.Engine.BaseBackoff))

	engine := exchange.NewEngine(exchange.Config{
		EpochDuration: cfg.Engine.EpochDuration,
		FeeBps:        cfg.Engine.FeeBps,
		Clock:         clock,
		Certs:         certs,
		Store:         st,
		Emitter:       emitter,
		Ledger:        lgr,
		Executor:      executor,
	})
	if err := engine.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover engine state: %v", err)
	}

	executor.Start(ctx)
	engine.Start()

	var bookCache cache.BookCache
	if cfg.Redis.Enabled {
		bookCache = cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	}

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret)
	handler := api.NewHandler(engine, lgr, authService, bookCache)

	hub := newWSHub()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", hub.handle(engine))
	handler.Routes(r)

	// Matching and epoch ticks drive the engine through its command queue.
	matchTicker := time.NewTicker(cfg.Engine.MatchInterval)
	epochTicker := time.NewTicker(cfg.Engine.EpochDuration / 10)
	go func() {
		for {
			select {
			case <-matchTicker.C:
				if _, err := engine.MatchTick(ctx); err != nil {
					log.Printf("match tick: %v", err)
				}
			case <-epochTicker.C:
				if _, err := engine.EpochTick(ctx); err != nil {
					log.Printf("epoch tick: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Relay engine events and periodic book frames to websocket clients.
	evCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	bookTicker := time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				hub.broadcast(ev)
			case <-bookTicker.C:
				if bids, asks, err := engine.BookSnapshot(ctx); err == nil {
					hub.broadcast(cache.BookSnapshot{Bids: bids, Asks: asks})
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	server := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received")
	matchTicker.Stop()
	epochTicker.Stop()
	bookTicker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	// Stop the tick goroutines, then the writer so no new settlements are
	// produced, then drain the executor.
	cancel()
	engine.Stop()
	executor.Stop()
	log.Println("Engine stopped")
}
