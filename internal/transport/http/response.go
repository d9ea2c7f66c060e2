package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Webhook 端点的应答遵循中继侧的线上契约：
// 状态码承载结论，载荷只有 status / error 两种字段。

// Outcome 返回 200 和处理结论
func Outcome(c *gin.Context, status string) {
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Unauthorized 返回 401（真实性验证失败）
func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
}

// UnprocessableEntity 返回 422（直连通道载荷校验失败）
func UnprocessableEntity(c *gin.Context, msg string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
}
