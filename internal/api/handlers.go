package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/typhoon-chat/server/internal/auth"
	"github.com/typhoon-chat/server/internal/cache"
	"github.com/typhoon-chat/server/internal/core"
	"github.com/typhoon-chat/server/internal/store"
)

type contextKey string

const (
	userIDContextKey   contextKey = "userID"
	rawTokenContextKey contextKey = "rawToken"
)

type APIHandler struct {
	gate       *auth.Gate
	codec      *auth.Codec
	hasher     auth.PasswordHasher
	tokenCache *cache.TokenCache
	db         *store.Store
	chat       *core.ChatService
}

func NewAPIHandler(gate *auth.Gate, codec *auth.Codec, hasher auth.PasswordHasher, tokenCache *cache.TokenCache, db *store.Store, chat *core.ChatService) *APIHandler {
	return &APIHandler{
		gate:       gate,
		codec:      codec,
		hasher:     hasher,
		tokenCache: tokenCache,
		db:         db,
		chat:       chat,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// AuthMiddleware resolves the bearer token to an active user. Every
// authentication failure, including internal ones, surfaces as a generic
// 401; only an inactive account is distinguished, as 403.
func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		userID, err := h.gate.Authenticate(r.Context(), header)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrNoAuthHeader):
				writeError(w, http.StatusUnauthorized, "authorization header is required")
			default:
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
			}
			return
		}

		user, err := h.db.GetUserByID(userID)
		if err != nil {
			// Authenticated id without a user row, or a storage failure:
			// either way the caller only learns the request was rejected.
			log.Printf("Failed to resolve authenticated user %d: %v", userID, err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !user.IsActive {
			writeError(w, http.StatusForbidden, "account is inactive")
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, user.ID)
		ctx = context.WithValue(ctx, rawTokenContextKey, rawBearerToken(header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rawBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) {
		return header[len(prefix):]
	}
	return ""
}

func userIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDContextKey).(int64)
	return id
}

type CreateAccountRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Password string `json:"password"`
}

type CreateAccountResponse struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

func (h *APIHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hashed, err := h.hasher.Hash(req.Password)
	if err != nil {
		log.Printf("Error hashing password for %s: %v", req.Email, err)
		writeError(w, http.StatusInternalServerError, "failed to process password")
		return
	}

	user, err := h.db.CreateUser(req.Email, hashed, req.FullName)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "email already registered")
			return
		}
		log.Printf("Error creating account for %s: %v", req.Email, err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, CreateAccountResponse{Email: user.Email, FullName: user.FullName})
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	User        LoginUser `json:"user"`
}

type LoginUser struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(req.Email)
	if err != nil {
		// Unknown email and wrong password are indistinguishable.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !h.hasher.Compare(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := h.db.TouchLastLogin(user.ID); err != nil {
		log.Printf("Failed to record login time for user %d: %v", user.ID, err)
	}

	token, _, err := h.codec.Sign(user.ID)
	if err != nil {
		log.Printf("Error signing token for user %d: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        LoginUser{ID: user.ID, Email: user.Email, FullName: user.FullName},
	})
}

// LogoutHandler drops the presented token from the cache. The token itself
// stays valid until it expires; logout only removes the fast path.
func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(rawTokenContextKey).(string)
	if token != "" {
		if err := h.tokenCache.Invalidate(r.Context(), token); err != nil {
			log.Printf("Failed to invalidate token on logout: %v", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
