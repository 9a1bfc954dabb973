package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"SmartBillBook/internal/appmanager"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[Main] no .env file, using process environment")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("[Main] DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal("[Main] open database:", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatal("[Main] database unreachable:", err)
	}
	defer db.Close()

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatal("[Main] create pgx pool:", err)
	}
	defer pool.Close()

	appmanager.SetDB(db)
	appmanager.SetPgxPool(pool)

	sequencePath := os.Getenv("SERVICES_FILE")
	if sequencePath == "" {
		sequencePath = "services.yaml"
	}

	manager := appmanager.NewAppManager()
	if err := manager.LoadServiceSequence(sequencePath); err != nil {
		log.Fatal("[Main] load services:", err)
	}
	if err := manager.StartAll(); err != nil {
		log.Fatal("[Main] start services:", err)
	}
	log.Println("[Main] all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] shutting down")
	manager.StopAll()
}
