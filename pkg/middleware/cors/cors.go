package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// New returns a CORS middleware for the listed origins; an empty list allows any origin
// without credentials.
func New(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[strings.TrimRight(origin, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := originSet[strings.TrimRight(origin, "/")]; ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
		h.Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
