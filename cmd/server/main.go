package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ImThienz/BlockChain/internal/api"
	"github.com/ImThienz/BlockChain/internal/auth"
	"github.com/ImThienz/BlockChain/internal/config"
	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/logger"
	"github.com/ImThienz/BlockChain/internal/models"
	"github.com/ImThienz/BlockChain/internal/roles"
	"github.com/ImThienz/BlockChain/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the browser client runs on a different origin in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type broadcaster struct {
	ledger  *ledger.Service
	log     *logrus.Logger
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newBroadcaster(svc *ledger.Service, log *logrus.Logger) *broadcaster {
	return &broadcaster{ledger: svc, log: log, clients: make(map[*wsClient]bool)}
}

// broadcastOpenOrders pushes the current open-order list to every
// connected client, dropping clients whose connection has failed.
func (b *broadcaster) broadcastOpenOrders(ctx context.Context) {
	orders, err := b.ledger.OpenOrders(ctx)
	if err != nil {
		b.log.WithError(err).Error("failed to load open orders for broadcast")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	data, err := json.Marshal(map[string][]models.Order{"open_orders": orders})
	if err != nil {
		b.log.WithError(err).Error("failed to marshal open orders")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			b.log.WithError(err).Debug("dropping websocket client")
			client.conn.Close()
			delete(b.clients, client)
		}
	}
}

func (b *broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Error("failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	// Send the initial snapshot right away.
	b.broadcastOpenOrders(r.Context())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.mu.Lock()
			delete(b.clients, client)
			b.mu.Unlock()
			conn.Close()
			return
		}
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFile)

	provisioning, err := config.LoadProvisioning(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("failed to load provisioning: %v", err)
	}

	var ledgerStore ledger.Store
	switch cfg.Store {
	case "memory":
		ledgerStore = store.NewMemoryStore()
		log.Warn("using in-memory store; state is lost on restart")
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		ledgerStore = pg
	}

	registry := roles.NewRegistry(provisioning.RoleAssignments())
	svc := ledger.NewService(ledgerStore, registry)

	credentials := make([]auth.Credential, 0, len(provisioning.Accounts))
	for _, a := range provisioning.Accounts {
		credentials = append(credentials, auth.Credential{
			Identity:       a.Identity,
			Role:           a.Role,
			PassphraseHash: a.PassphraseHash,
		})
	}
	authService := auth.NewService(credentials, cfg.JWTSecret)

	handler := api.NewHandler(svc, authService, log)
	bc := newBroadcaster(svc, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", bc.handleWebSocket)
	r.Mount("/", handler.Routes())

	go func() {
		ticker := time.NewTicker(cfg.BroadcastEvery)
		defer ticker.Stop()
		for range ticker.C {
			bc.broadcastOpenOrders(ctx)
		}
	}()

	if archiver, ok := ledgerStore.(ledger.Archiver); ok && cfg.ArchiveAfter > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				moved, err := archiver.ArchiveFulfilled(ctx, time.Now().Add(-cfg.ArchiveAfter))
				if err != nil {
					log.WithError(err).Error("archival pass failed")
					continue
				}
				if moved > 0 {
					log.WithField("orders", moved).Info("archived fulfilled orders")
				}
			}
		}()
	}

	log.WithField("addr", cfg.Addr).Info("starting server")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
