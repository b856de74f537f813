package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/conversation", func(r chi.Router) {
		r.Get("/", s.listConversations)
		r.Post("/", s.createConversation)

		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.getConversation)

			// Messages
			r.Get("/message", s.getMessages)
			r.Post("/message", s.prompt)
			r.Get("/message/{messageID}", s.getMessage)

			r.Post("/abort", s.abortConversation)
			r.Post("/recover", s.recoverMessage)

			// Permissions
			r.Get("/permission", s.listPermissions)
			r.Post("/permission", s.respondPermission)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)

	r.Get("/mcp", s.mcpStatus)
	r.Get("/health", s.health)
}
