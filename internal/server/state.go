package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	stateCookieName = "__beacon_state"
	stateTTL        = 5 * time.Minute
	stateByteLength = 32
)

// issueStateCookie generates a random state value for a login attempt
// and binds it to the user agent. The provider echoes the value back on
// the callback, tying the code to the browser that started the flow.
func issueStateCookie(c *gin.Context, secure bool) (string, error) {
	buf := make([]byte, stateByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})

	return state, nil
}

func matchStateCookie(c *gin.Context) bool {
	stateQuery := c.Query("state")
	if stateQuery == "" {
		return false
	}
	cookie, err := c.Request.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(stateQuery)) == 1
}

func clearStateCookie(c *gin.Context, secure bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
