package util

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Response struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
}

func Success(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Data:    data,
		Message: message,
	})
}

// Page is the data of a list response that was cut at a limit.
type Page struct {
	Items any   `json:"items"`
	Total int64 `json:"total"`
}

func List(c *gin.Context, items any, total int64, message string) {
	Success(c, Page{Items: items, Total: total}, message)
}

// Error writes the failure envelope. Client errors are logged at warn level,
// server errors at error level.
func Error(c *gin.Context, code int, err interface{}) {
	msg := ""
	switch e := err.(type) {
	case string:
		msg = e
	case error:
		msg = e.Error()
	default:
		msg = "Internal Server Error"
	}

	if code >= http.StatusInternalServerError {
		zap.S().Errorf("API error %d on %s %s: %s", code, c.Request.Method, c.FullPath(), msg)
	} else {
		zap.S().Warnf("API error %d on %s %s: %s", code, c.Request.Method, c.FullPath(), msg)
	}

	c.JSON(code, Response{
		Code:    -1,
		Data:    nil,
		Message: msg,
	})
}
