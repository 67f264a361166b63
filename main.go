package main

import (
	"log"
	"net/http"
	"os"

	"coscribe/config/database"
	"coscribe/internal/document/repository"
	"coscribe/pkg/logger"
	"coscribe/router"
	"coscribe/socket"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present; fall back to OS environment variables.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from OS")
	}

	logger.Init()
	defer logger.Log.Sync()

	db := database.Connect()
	defer db.Close()

	repo := repository.NewDocumentRepository(db)
	hub := socket.NewHub(repo)

	handler := router.Setup(db, hub)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Sugar.Infof("Backend listening on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
