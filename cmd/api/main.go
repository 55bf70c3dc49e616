package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kadra.org/internal/authz"
	"kadra.org/internal/cache"
	"kadra.org/internal/config"
	"kadra.org/internal/directory"
	"kadra.org/internal/httpapi"
	"kadra.org/internal/notify"
	"kadra.org/internal/obs"
	"kadra.org/internal/record"
	"kadra.org/internal/share"
	"kadra.org/internal/store/memory"
	"kadra.org/internal/store/pg"
	"kadra.org/internal/transfer"
)

var version = "0.3.0"

type backends struct {
	dir       directory.Store
	records   record.Store
	shares    share.Store
	transfers transfer.Store
	db        *sql.DB
	close     func()
}

func openBackends(dsn string) (backends, error) {
	if dsn == "" {
		// no database configured, run on the in-memory store
		mem := memory.New()
		return backends{
			dir:       mem,
			records:   mem.Records(),
			shares:    mem.Shares(),
			transfers: mem.Transfers(),
			close:     func() {},
		}, nil
	}
	st, err := pg.Open(dsn)
	if err != nil {
		return backends{}, err
	}
	return backends{
		dir:       st.Directory(),
		records:   st.Records(),
		shares:    st.Shares(),
		transfers: st.Transfers(),
		db:        st.DB(),
		close:     func() { _ = st.Close() },
	}, nil
}

func main() {
	cfg := config.Load()
	obs.Init()
	obs.InitBuildInfo(version, "")

	be, err := openBackends(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer be.close()
	if cfg.PostgresDSN == "" {
		log.Printf("KADRA_PG_DSN is empty, using in-memory store")
	}

	var inv cache.Invalidator = cache.Noop{}
	if cfg.RedisURL != "" {
		scores, err := cache.OpenScores(cfg.RedisURL)
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		defer func() { _ = scores.Close() }()
		inv = scores
	}

	broker := notify.NewBroker()
	eval := authz.NewEvaluator(be.dir, be.shares)
	records := record.NewService(be.records, eval, broker, inv)
	shares := share.NewService(be.shares, be.records, be.dir, eval, broker)
	transfers := transfer.NewCoordinator(be.transfers, be.records, be.dir, eval, broker, inv)

	var authn *httpapi.Authenticator
	if cfg.JWTSecret != "" {
		authn = httpapi.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	} else {
		log.Printf("KADRA_JWT_SECRET is empty, requests are not authenticated")
	}

	ready := httpapi.ReadyProbe{DB: be.db}
	api := httpapi.New(httpapi.Options{
		Records:      records,
		Shares:       shares,
		Transfers:    transfers,
		Directory:    be.dir,
		Broker:       broker,
		Ready:        ready,
		Authn:        authn,
		Version:      version,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcCtx, grpcCancel := context.WithCancel(context.Background())
	defer grpcCancel()
	grpcSrv := httpapi.NewGRPCServer(grpcCtx, ready)
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		log.Printf("grpc health on %s", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()

	go func() {
		log.Printf("kadra-api %s on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
	grpcCancel()
	grpcSrv.GracefulStop()
	log.Println("stopped")
}
