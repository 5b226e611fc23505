package http_api

import "github.com/gin-gonic/gin"

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)

	s.router.Any("/w/:wrapperID", s.gateway)
	s.router.Any("/w/:wrapperID/*path", s.gateway)

	v1 := s.router.Group("/api/v1/analytics", apiKeyAuth(s.apiKeys))
	v1.GET("/wrappers/:id", s.wrapperStats)
	v1.GET("/wrappers/:id/entries", s.wrapperEntries)
	v1.GET("/users/:userID", s.userStats)

	s.router.NoRoute(func(c *gin.Context) {
		respondNotFound(c, "Route not found")
	})
}
