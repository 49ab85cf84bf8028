package handlers

import (
	"github.com/gin-gonic/gin"
)

func (h *Handlers) registerWebSocketRoutes(engine *gin.Engine) {
	engine.GET("/ws/voice", h.HandleWebSocketVoice)
}

// HandleWebSocketVoice 处理语音 WebSocket 连接
// 鉴权、限流在握手后由网关完成，失败时以关闭码告知客户端
func (h *Handlers) HandleWebSocketVoice(c *gin.Context) {
	h.gateway.HandleWebSocket(c.Writer, c.Request, c.ClientIP())
}
