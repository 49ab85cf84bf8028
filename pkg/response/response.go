package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Success 成功响应
func Success(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  msg,
		"data": data,
	})
}

// Fail 失败响应
func Fail(c *gin.Context, msg string, data any) {
	FailWithStatus(c, http.StatusBadRequest, msg, data)
}

// FailWithStatus writes an error body with an explicit HTTP status
func FailWithStatus(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, gin.H{
		"code": status,
		"msg":  msg,
		"data": data,
	})
}

// AbortWithStatus aborts the request with an empty error body
func AbortWithStatus(c *gin.Context, status int) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  http.StatusText(status),
		"data": nil,
	})
}
