package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    "OK",
		Message: "success",
		Data:    data,
	})
}

// BadRequest 请求参数错误
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    "INVALID_ARGUMENT",
		Message: message,
	})
}

// HandleError 按错误类别返回状态码
func HandleError(c *gin.Context, err error) {
	var bizErr *bizerr.Error
	if bizerr.As(err, &bizErr) {
		c.JSON(bizErr.Kind.HTTPStatus(), Response{
			Code:    bizErr.Code,
			Message: bizErr.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, Response{
		Code:    bizerr.ErrInternal.Code,
		Message: err.Error(),
	})
}
