package router

import (
	"database/sql"
	"net/http"

	"coscribe/internal/document"
	"coscribe/internal/document/repository"
	"coscribe/internal/document/service"
	"coscribe/middleware"
	"coscribe/socket"

	"github.com/go-chi/cors"
)

func Setup(db *sql.DB, hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := middleware.IdentityFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		socket.ServeWs(hub, w, r, identity)
	})
	mux.Handle("/ws", middleware.AuthMiddleware(wsHandler))

	// REST API
	docRepo := repository.NewDocumentRepository(db)
	docService := service.NewDocumentService(docRepo)
	docHandler := document.NewDocumentHandler(docService)
	auth := middleware.AuthMiddleware

	mux.Handle("/api/documents/create", auth(http.HandlerFunc(docHandler.CreateDocument)))
	mux.Handle("/api/documents/get", auth(http.HandlerFunc(docHandler.GetDocument)))
	mux.Handle("/api/documents/grant", auth(http.HandlerFunc(docHandler.GrantAccess)))
	mux.Handle("/api/documents/versions", auth(http.HandlerFunc(docHandler.GetVersions)))
	mux.Handle("/api/documents", auth(http.HandlerFunc(docHandler.GetDocuments)))

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})

	return corsHandler(mux)
}
