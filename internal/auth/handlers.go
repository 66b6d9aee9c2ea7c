package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/db"
	apperrors "github.com/screenlink/screenlink/broker/internal/errors"
	"github.com/screenlink/screenlink/broker/internal/logger"
)

// Handler serves login/logout for the OAuth consent flow.
type Handler struct {
	users *db.UserDB
	jwt   *JWTManager
	log   *zerolog.Logger
}

// NewHandler creates a new auth handler.
func NewHandler(database *db.Database, jwtManager *JWTManager) *Handler {
	return &Handler{
		users: db.NewUserDB(database.DB()),
		jwt:   jwtManager,
		log:   logger.Security(),
	}
}

// RegisterRoutes registers login/logout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", h.Login)
	r.POST("/auth/logout", h.Logout)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and sets the session cookie.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("email and password are required")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	user, err := h.users.VerifyPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.log.Warn().Str("email", req.Email).Str("ip", c.ClientIP()).Msg("Login failed")
		appErr := apperrors.InvalidCredentials()
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	token, err := h.jwt.GenerateToken(user.ID, user.Email)
	if err != nil {
		appErr := apperrors.InternalServer("failed to create session")
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, token, int(SessionTTL.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"userId": user.ID, "email": user.Email})
}

// Logout clears the session cookie.
func (h *Handler) Logout(c *gin.Context) {
	c.SetCookie(SessionCookieName, "", -1, "/", "", true, true)
	c.Status(http.StatusNoContent)
}

// SessionUser resolves the logged-in user from the session cookie.
// Returns nil when the request carries no valid session.
func (h *Handler) SessionUser(c *gin.Context) *SessionClaims {
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil || cookie == "" {
		return nil
	}
	claims, err := h.jwt.ValidateToken(cookie)
	if err != nil {
		return nil
	}
	return claims
}
