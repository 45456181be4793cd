package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const clientTokenTTL = 30 * 24 * time.Hour

// IssueClientToken mints a signed bearer token for one browser client.
func IssueClientToken(secret []byte, clientID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": clientID,
		"iss": "perch",
		"iat": now.Unix(),
		"exp": now.Add(clientTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateClientToken verifies a bearer token and returns the client id.
func ValidateClientToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

// handleAuthToken exchanges the shared gateway secret for a client token.
// Browsers hold the JWT so the long-lived secret never lands in local
// storage.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.AuthDisable {
		if subtle.ConstantTimeCompare([]byte(req.Secret), s.JWTSecret) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	token, err := IssueClientToken(s.JWTSecret, clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"clientId":  clientID,
		"expiresIn": int(clientTokenTTL.Seconds()),
	})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return s.authHandler(next).ServeHTTP
}

// authHandler gates a handler behind client token auth. EventSource and
// WebSocket cannot set headers from the browser, so a token query parameter
// is accepted alongside the Authorization header.
func (s *Server) authHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthDisable {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if _, err := ValidateClientToken(s.JWTSecret, token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
