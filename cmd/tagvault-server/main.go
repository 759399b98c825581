package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/logx"
	"github.com/noteriver/tagvault/internal/opaque"
	"github.com/noteriver/tagvault/internal/server"
	"github.com/noteriver/tagvault/internal/server/db"
	"github.com/noteriver/tagvault/internal/session"
	"github.com/noteriver/tagvault/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or TAGVAULT_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("tagvault-server"))
		fmt.Fprintf(os.Stderr, "Tagvault server authenticates secret tags and stores encrypted vault blobs.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_DB_PATH            SQLite database path (default: tagvault.db)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_LISTEN_ADDR        Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_CORS_ORIGINS       Comma-separated allowed CORS origins\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_AUDIT_PATH         Audit trail JSONL path (default: disabled)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_TIMING_FLOOR_MS    Minimum auth response time in ms (default: 5)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_SESSION_TTL_HOURS  Bearer session lifetime (default: 24)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_SESSION_USER_LIMIT Concurrent sessions per user (default: 5)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_KDF_PROFILE        development|mobile|production (default: production)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_AUTH_RATE_PER_SEC  Per-IP auth request rate (default: 5)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_AUTH_RATE_BURST    Per-IP auth burst (default: 10)\n")
		fmt.Fprintf(os.Stderr, "  TAGVAULT_LOG_LEVEL          Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("tagvault-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	opq, err := opaque.NewServer(store.OpaqueRecords())
	if err != nil {
		log.Fatalf("init auth protocol: %v", err)
	}

	mgr, err := session.New(store, cfg.SessionTTL, cfg.SessionUserLimit)
	if err != nil {
		log.Fatalf("init session manager: %v", err)
	}

	trail := audit.Open(cfg.AuditPath)

	r := server.NewRouter(store, opq, mgr, trail, cfg)
	logx.Infof("server config: kdf_profile=%s timing_floor=%s session_ttl=%s", cfg.KDFProfile.Name, cfg.TimingFloor, cfg.SessionTTL)

	log.Printf("tagvault-server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
