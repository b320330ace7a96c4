// Package server parses sync server flags and composes the runtime: world,
// machine registry, trigger engine, channel journal and websocket transport.
package server

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/open-game-collective/OGS/internal/auth"
	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/platform/config"
	"github.com/open-game-collective/OGS/internal/platform/otel"
	"github.com/open-game-collective/OGS/internal/registry"
	"github.com/open-game-collective/OGS/internal/storage"
	"github.com/open-game-collective/OGS/internal/storage/sqlite"
	"github.com/open-game-collective/OGS/internal/transport/ws"
	"github.com/open-game-collective/OGS/internal/trigger"
	"github.com/open-game-collective/OGS/internal/world"
)

// Config holds sync server configuration.
type Config struct {
	HTTPAddr         string `env:"OGS_HTTP_ADDR"          envDefault:":8090"`
	JournalPath      string `env:"OGS_JOURNAL_PATH"       envDefault:"ogs-journal.db"`
	TriggerRulesPath string `env:"OGS_TRIGGER_RULES_PATH"`
	SnowflakeNode    int64  `env:"OGS_SNOWFLAKE_NODE"     envDefault:"1"`
	AuthDisabled     bool   `env:"OGS_AUTH_DISABLED"`

	Otel otel.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "channel event journal path")
	fs.StringVar(&cfg.TriggerRulesPath, "trigger-rules", cfg.TriggerRulesPath, "trigger rules YAML path")
	fs.Int64Var(&cfg.SnowflakeNode, "snowflake-node", cfg.SnowflakeNode, "snowflake node number (0-1023)")
	fs.BoolVar(&cfg.AuthDisabled, "auth-disabled", cfg.AuthDisabled, "disable websocket authentication")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync runtime and serves until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdownOtel, err := otel.Setup(ctx, "ogs-sync", cfg.Otel)
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}()

	gen, err := id.NewGenerator(cfg.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	journal, err := sqlite.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	w := world.New(gen, registry.Resolver())
	defer w.Shutdown()

	stopRecorder := recordChannels(ctx, w, journal)
	defer stopRecorder()

	var rules []trigger.Rule
	if cfg.TriggerRulesPath != "" {
		rules, err = trigger.LoadRules(cfg.TriggerRulesPath)
		if err != nil {
			return fmt.Errorf("load trigger rules: %w", err)
		}
		log.Printf("trigger: loaded %d rules from %s", len(rules), cfg.TriggerRulesPath)
	}
	engine := trigger.NewEngine(w, rules)
	defer engine.Close()

	var authenticate ws.Authenticator
	if !cfg.AuthDisabled {
		authCfg, err := auth.LoadConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load auth config: %w", err)
		}
		authenticate = func(token string) (auth.Claims, error) {
			return auth.Verify(token, authCfg)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: ws.NewHandler(w, authenticate),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("sync: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("serve sync: %w", err)
	}
}

// recordChannels journals every channel event published in the world,
// including channels of entities added later. Journal failures are logged,
// not fatal: the live stream is authoritative and the journal is an audit
// trail.
func recordChannels(ctx context.Context, w *world.World, journal storage.Journal) func() {
	var mu sync.Mutex
	var subs []func()
	observe := func(e *entity.Entity) {
		ch := e.Channel()
		if ch == nil {
			return
		}
		unsub := ch.Subscribe(func(evt channel.Event) {
			payload, err := json.Marshal(evt)
			if err != nil {
				log.Printf("journal: marshal event %s: %v", evt.ID, err)
				return
			}
			rec := storage.Record{
				EventID:   string(evt.ID),
				ChannelID: string(evt.ChannelID),
				Type:      evt.Type,
				SenderID:  string(evt.SenderID),
				Payload:   payload,
			}
			if err := journal.Append(ctx, rec); err != nil {
				log.Printf("journal: append event %s: %v", evt.ID, err)
			}
		})
		mu.Lock()
		subs = append(subs, unsub)
		mu.Unlock()
	}

	unwatch := w.OnChange(func(evt world.Event) {
		if evt.Kind == world.EntityAdded {
			observe(evt.Entity)
		}
	})
	for _, e := range w.Entities() {
		observe(e)
	}

	return func() {
		unwatch()
		mu.Lock()
		stops := append([]func(){}, subs...)
		mu.Unlock()
		for _, unsub := range stops {
			unsub()
		}
	}
}
