package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// CORS allows the configured origins, or any origin without credentials
// when none are configured.
func CORS(origins []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	if len(origins) > 0 {
		logger.Info().Int("origins", len(origins)).Msg("✓ CORS restricted to configured origins")
		return cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           86400,
		})
	}

	logger.Warn().Msg("no CORS origins configured, allowing all origins (credentials disabled)")
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}
