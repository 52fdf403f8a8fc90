package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamgrid/backend/pkg/response"
)

// Handler exposes token issuance. In production deployments an upstream
// identity provider fills this role; this endpoint backs development and
// integrations that bring their own identity.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{jwt: jwt, logger: logger}
}

type tokenRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username" binding:"required"`
	Role     string `json:"role"`
}

// Token issues a signed JWT for the supplied identity.
func (h *Handler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "username required")
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}
	if req.Role == "" {
		req.Role = "viewer"
	}
	token, err := h.jwt.Generate(req.UserID, req.Username, req.Role)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		response.Internal(c, "token generation failed")
		return
	}
	response.OK(c, gin.H{"token": token, "user_id": req.UserID})
}
