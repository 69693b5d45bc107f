package user

import (
	"net/http"
	"time"

	"PPresence/global"
	midsec "PPresence/middleware/security"
	"PPresence/tools/security"

	"github.com/gin-gonic/gin"
)

type loginReq struct {
	UserID string `json:"userId" binding:"required"`
}

// HandlerLogin issues a gateway token for userId. Credential verification
// lives in the account service; this node only mints the websocket ticket.
func HandlerLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}

	opts := security.DefaultOptions(global.GetJwtSecret())
	token, hash, expireAt, err := security.Generate(opts, req.UserID, []string{"ws"})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"tokenHash": hash,
		"expireAt":  expireAt.Format(time.RFC3339),
		"user":      gin.H{"id": req.UserID},
	})
}

// HandlerCheck echoes the authenticated subject; used as a token probe.
func HandlerCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"userId": midsec.UserID(c)})
}
