package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserKey holds the authenticated username in the gin context.
const UserKey = "auth_user"

const realm = `Basic realm="slotr"`

// GinAuth returns a Gin middleware enforcing BasicAuth. A nil c lets every
// request through.
func GinAuth(c *Credentials) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		user, pass, ok := ctx.Request.BasicAuth()
		if !ok || c.Verify(user, pass) != nil {
			ctx.Header("WWW-Authenticate", realm)
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "Authentication required",
			})
			return
		}
		ctx.Set(UserKey, user)
		ctx.Next()
	}
}

// HTTPAuth is GinAuth for plain net/http handlers.
func HTTPAuth(c *Credentials, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || c.Verify(user, pass) != nil {
			w.Header().Set("WWW-Authenticate", realm)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"error","message":"Authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
