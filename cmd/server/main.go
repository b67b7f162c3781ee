// Command server runs the retrieval and inbox-pipeline service: the webhook
// ingress, the context ingestion endpoints, and the RAG search API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"github.com/DiscipleTools/agent-ai-sub001/internal/chunker"
	"github.com/DiscipleTools/agent-ai-sub001/internal/config"
	"github.com/DiscipleTools/agent-ai-sub001/internal/crawler"
	"github.com/DiscipleTools/agent-ai-sub001/internal/docstore"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/httpapi"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ingest"
	"github.com/DiscipleTools/agent-ai-sub001/internal/llm"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
	"github.com/DiscipleTools/agent-ai-sub001/internal/pipeline"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ratelimit"
	"github.com/DiscipleTools/agent-ai-sub001/internal/retrieve"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	pterm.DefaultHeader.Println("agent-ai service")

	if err := run(*configPath); err != nil {
		pterm.Error.Printfln("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log := logging.WithComponent("server")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Docstore.ConnectionString)
	if err != nil {
		return fmt.Errorf("parse docstore dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.Docstore.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect docstore: %w", err)
	}
	defer pool.Close()

	docs, err := docstore.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("init docstore: %w", err)
	}

	vs, err := vectorstore.New(ctx, vectorstore.Config{
		Backend:     cfg.Vector.Backend,
		QdrantDSN:   qdrantDSN(cfg.Vector),
		PostgresDSN: cfg.Vector.DSN,
	})
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	defer vs.Close()

	emb := embedder.NewHTTPClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Vector.Dimensions)
	emb.HTTP.Timeout = cfg.Embedding.Timeout
	emb.MaxFanout = cfg.Ingest.MaxWorkers

	validator := urlsafety.New(urlsafety.Options{})
	f := fetcher.New(validator, cfg.Fetch.Timeout, cfg.Fetch.MaxBodyBytes, cfg.Fetch.UserAgent, cfg.Fetch.MaxRedirects)
	f.Limiter = ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	var robots crawler.RobotsChecker
	if cfg.Crawl.RespectRobots {
		if cfg.Crawl.RobotsRedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Crawl.RobotsRedisAddr})
			defer rdb.Close()
			robots = crawler.NewRedisRobotsChecker(f, rdb)
		} else {
			robots = crawler.NewCachingRobotsChecker(f)
		}
	}
	cr := crawler.New(f, robots)

	orch := ingest.New(docs, vs, emb, f, cr, chunker.Options{
		ChunkSize: cfg.Ingest.ChunkSize,
		Overlap:   cfg.Ingest.ChunkOverlap,
	})

	ret := retrieve.New(vs, emb)

	defaultClient, err := llm.New(llmConnection(cfg.Connection))
	if err != nil {
		return fmt.Errorf("init default llm connection: %w", err)
	}
	namedConns := make(map[string]llm.Connection, len(cfg.Connections))
	for id, cc := range cfg.Connections {
		namedConns[id] = llmConnection(cc)
	}
	resolver := llm.NewResolver(defaultClient, namedConns)

	exec := pipeline.New(docs, ret, resolver, nil)

	srv := httpapi.NewServer(&httpapi.Server{
		Docs:          docs,
		Vectors:       vs,
		Ingest:        orch,
		Retrieve:      ret,
		Pipeline:      exec,
		URLCheck:      validator,
		Robots:        robots,
		WebhookSecret: cfg.Auth.WebhookSecret,
	})

	e := srv.NewEcho()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}()

	pterm.Success.Printfln("listening on %s", addr)
	log.WithField("addr", addr).Info("server starting")

	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server stopped")
	return nil
}

func llmConnection(cc config.ConnectionConfig) llm.Connection {
	return llm.Connection{
		Provider: cc.Provider,
		BaseURL:  cc.BaseURL,
		APIKey:   cc.APIKey,
		Model:    cc.Model,
	}
}

// qdrantDSN assembles the qdrant connection string from the vector config
// block.
func qdrantDSN(v config.VectorConfig) string {
	scheme := "http"
	if v.UseTLS {
		scheme = "https"
	}
	host := v.Host
	if host == "" {
		host = "localhost"
	}
	port := v.Port
	if port == 0 {
		port = 6334
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", host, port)}
	if v.APIKey != "" {
		q := u.Query()
		q.Set("api_key", v.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
