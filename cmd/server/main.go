package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luminachat/lumina/internal/config"
	"github.com/luminachat/lumina/internal/db"
	"github.com/luminachat/lumina/internal/httpapi"
	"github.com/luminachat/lumina/internal/store/rabbitmq"
	"github.com/luminachat/lumina/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	gdb := db.Connect(cfg.DBDSN)

	usage := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer usage.Close()
	if err := usage.Ping(context.Background()); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	titles, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer titles.Close()

	r := httpapi.NewRouter(gdb, cfg, usage, titles)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening addr=%s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("server shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
