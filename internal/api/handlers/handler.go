package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/proof"
	"github.com/voltra/chargeproof/internal/repository"
	"github.com/voltra/chargeproof/internal/service"
	"github.com/voltra/chargeproof/internal/state"
	"github.com/voltra/chargeproof/pkg/ws"
)

// EnergyReader 日度能量查询
type EnergyReader interface {
	GetDailyRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.EnergyRecord, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger       *zap.Logger
	sessions     service.SessionStore
	energy       EnergyReader
	orchestrator *service.Orchestrator
	machines     *state.Manager
	wsHub        *ws.Hub
	jwtSecret    string
	upgrader     websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	sessions service.SessionStore,
	energy EnergyReader,
	orchestrator *service.Orchestrator,
	machines *state.Manager,
	wsHub *ws.Hub,
	jwtSecret string,
) *Handler {
	return &Handler{
		logger:       logger,
		sessions:     sessions,
		energy:       energy,
		orchestrator: orchestrator,
		machines:     machines,
		wsHub:        wsHub,
		jwtSecret:    jwtSecret,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// Poll 触发一轮轮询
// POST /api/charging/poll
// 携带有效 JWT 时只处理该用户，否则覆盖全部已授权用户。
func (h *Handler) Poll(c *gin.Context) {
	userID := h.subjectFromAuth(c)

	batch := h.orchestrator.RunCycle(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"data": batch})
}

// subjectFromAuth 从 Bearer JWT 里取用户；无效或缺失返回空
func (h *Handler) subjectFromAuth(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		h.logger.Debug("invalid poll token, falling back to all users", zap.Error(err))
		return ""
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

// ListSessions 获取用户会话列表
func (h *Handler) ListSessions(c *gin.Context) {
	userID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	sessions, err := h.sessions.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

// GetSession 获取会话详情
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to get session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

// VerifySession 复核会话的证明链与差额证明
func (h *Handler) VerifySession(c *gin.Context) {
	session, err := h.sessions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to get session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}

	result := gin.H{
		"session_id":   session.ID,
		"chain_length": len(session.ProofChain),
		"chain_valid":  true,
		"proof_valid":  true,
	}

	if i, err := proof.VerifyChain(session.DeviceID, session.ProofChain); err != nil {
		result["chain_valid"] = false
		result["broken_at"] = i
	}
	if session.Status == models.SessionStatusCompleted {
		if err := proof.VerifySession(session); err != nil {
			result["proof_valid"] = false
			result["reason"] = err.Error()
		}
	} else {
		result["proof_valid"] = false
		result["reason"] = "session not completed"
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// GetDeviceEnergy 获取设备最近若干天的日度能量
func (h *Handler) GetDeviceEnergy(c *gin.Context) {
	deviceID := c.Param("id")
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days < 1 || days > 365 {
		days = 30
	}

	to := time.Now()
	from := to.AddDate(0, 0, -days)

	records, err := h.energy.GetDailyRange(c.Request.Context(), deviceID, from, to)
	if err != nil {
		h.logger.Error("Failed to get daily energy", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get daily energy"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// GetDeviceState 获取设备实时充电状态
func (h *Handler) GetDeviceState(c *gin.Context) {
	machine, ok := h.machines.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device state not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": machine.GetState()})
}
