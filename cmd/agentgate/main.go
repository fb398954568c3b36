package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/delegation"
	"github.com/agentgate/agentgate/generates"
	"github.com/agentgate/agentgate/geoip"
	"github.com/agentgate/agentgate/manage"
	"github.com/agentgate/agentgate/migrate"
	"github.com/agentgate/agentgate/policy"
	"github.com/agentgate/agentgate/scope"
	"github.com/agentgate/agentgate/server"
	"github.com/agentgate/agentgate/store"
)

func main() {
	cfg := server.GetConfig()

	// Optionally run DB migrations before the server starts.
	// MIGRATE_ON_START=1 MIGRATE_DRIVER=postgres MIGRATE_DSN=... (see migrate.RunFromEnv)
	if err := migrate.RunFromEnv(); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	catalog, err := loadCatalog(cfg.Scopes.File)
	if err != nil {
		log.Fatalf("scope catalog: %v", err)
	}

	snapshot, err := loadPolicy(cfg.Policy.File)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	go reloadPolicyOnSIGHUP(snapshot, cfg.Policy.File)

	manager := manage.NewManager()
	manager.MapCatalog(catalog)
	manager.MapPolicy(snapshot)

	// stores: postgres when a DSN is configured, in-memory otherwise
	var (
		tokens manage.TokenStore
		agents manage.AgentStore
		grants delegation.GrantStore
		sink   audit.Sink = audit.LogSink{}
	)
	if dsn := cfg.DBDSN(); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		tokens = store.NewDBTokenStore(db)
		agents = store.NewDBAgentStore(db)
		grants = store.NewDBGrantStore(db)
		sink = audit.NewDBSink(db)
		log.Printf("using postgres stores")
	} else {
		tokens = store.NewMemoryTokenStore()
		agents = store.NewMemoryAgentStore()
		grants = store.NewMemoryGrantStore()
		log.Printf("no database configured, using in-memory stores")
	}
	manager.MapTokenStorage(tokens)
	manager.MapAgentStorage(agents)

	queue, err := audit.NewQueue(cfg.Audit.QueuePath, sink)
	if err != nil {
		log.Fatalf("audit queue: %v", err)
	}
	defer queue.Close()
	manager.MapAuditor(queue)

	engine := delegation.NewEngine(grants, tokens.(delegation.TokenStore), catalog, snapshot, queue)
	manager.MapDelegation(engine)

	// generate jwt access token
	secret := cfg.JWT.Secret
	if secret == "" {
		secret = "00000000"
		log.Printf("jwt: no secret configured, using insecure default")
	}
	manager.MapAccessGenerate(generates.NewJWTAccessGenerate(cfg.JWT.Kid, []byte(secret), jwt.SigningMethodHS512))

	if addr := cfg.Cache.ValkeyAddr; addr != "" {
		cache, err := store.NewRevocationCache(addr, "agentgate:")
		if err != nil {
			log.Printf("valkey not available (%v), running without revocation cache", err)
		} else {
			defer cache.Close()
			manager.MapRevocationMirror(cache)
			log.Printf("using valkey revocation cache at %s", addr)
		}
	}

	srv := server.NewDefaultServer(manager)
	if cfg.Geo.Enabled {
		srv.Geo = geoip.NewCache(geoip.NewClient(), 15*time.Minute)
		log.Printf("geoip country resolution enabled")
	}
	if cfg.Env == "local" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewGinEngine(srv)

	log.Printf("agentgate listening on %s", cfg.Listen)
	if err := router.Run(cfg.Listen); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// loadCatalog reads the scope catalog yaml. A missing path yields an empty
// catalog, which rejects every scope.
func loadCatalog(path string) (*scope.Catalog, error) {
	var defs []scope.Definition
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
		if err := k.Unmarshal("scopes", &defs); err != nil {
			return nil, err
		}
	}
	return scope.NewCatalog(defs)
}

// loadPolicy reads and compiles the policy rule set. A missing path yields
// an empty snapshot, which denies everything.
func loadPolicy(path string) (*policy.Snapshot, error) {
	set, err := compilePolicyFile(path)
	if err != nil {
		return nil, err
	}
	return policy.NewSnapshot(set), nil
}

func compilePolicyFile(path string) (*policy.RuleSet, error) {
	if path == "" {
		return nil, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, err
	}
	var rules []policy.RuleConfig
	if err := k.Unmarshal("policies", &rules); err != nil {
		return nil, err
	}
	return policy.CompileConfig(rules)
}

// reloadPolicyOnSIGHUP swaps in a freshly compiled rule set on SIGHUP. A
// compile error keeps the previous snapshot active.
func reloadPolicyOnSIGHUP(snapshot *policy.Snapshot, path string) {
	if path == "" {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		set, err := compilePolicyFile(path)
		if err != nil {
			log.Printf("policy: reload failed, keeping active rule set: %v", err)
			continue
		}
		snapshot.Reload(set)
		log.Printf("policy: rule set reloaded from %s", path)
	}
}
