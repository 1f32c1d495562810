package utils

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ResponseCode is the business code carried in every response body.
type ResponseCode int

const (
	CodeSuccess ResponseCode = 0

	CodeInvalidParam      ResponseCode = 40001
	CodeInvalidCart       ResponseCode = 40002
	CodeUnknownCoupon     ResponseCode = 40003
	CodeNoPaymentSession  ResponseCode = 40004
	CodeUnauthorized      ResponseCode = 40100
	CodeForbidden         ResponseCode = 40300
	CodeOrderNotFound     ResponseCode = 40401
	CodeInvalidTransition ResponseCode = 40901
	CodeConcurrentUpdate  ResponseCode = 40902
	CodeDuplicateRequest  ResponseCode = 40903
	CodeRateLimit         ResponseCode = 42900

	CodeInternalError   ResponseCode = 50000
	CodeDatabaseError   ResponseCode = 50001
	CodeMessagePublish  ResponseCode = 50002
	CodePaymentGateway  ResponseCode = 50201
	CodeServiceDegraded ResponseCode = 50301
	CodeRequestTimeout  ResponseCode = 50401
)

// HTTPStatus maps a business code to the HTTP status returned with it.
func (c ResponseCode) HTTPStatus() int {
	switch {
	case c == CodeSuccess:
		return http.StatusOK
	case c == CodeUnauthorized:
		return http.StatusUnauthorized
	case c == CodeForbidden:
		return http.StatusForbidden
	case c == CodeRateLimit:
		return http.StatusTooManyRequests
	case c == CodePaymentGateway:
		return http.StatusBadGateway
	case c == CodeServiceDegraded:
		return http.StatusServiceUnavailable
	case c == CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case c >= 40000 && c < 40100:
		return http.StatusBadRequest
	case c >= 40400 && c < 40500:
		return http.StatusNotFound
	case c >= 40900 && c < 41000:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Response standard response structure
type Response struct {
	Success   bool         `json:"success"`
	Code      ResponseCode `json:"code"`
	Message   string       `json:"message"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse writes a failure result with an explicit business code.
func ErrorResponse(c *gin.Context, code ResponseCode, message string) {
	c.JSON(code.HTTPStatus(), Response{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// Error writes err as a failure result. Only AppError messages reach the client.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = ErrInternalError
	}
	ErrorResponse(c, appErr.Code, appErr.Message)
}

// PageResponse page response structure
type PageResponse struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}

// SuccessPageResponse returns success page response
func SuccessPageResponse(c *gin.Context, list interface{}, total int64, page, size int) {
	SuccessResponse(c, PageResponse{
		List:  list,
		Total: total,
		Page:  page,
		Size:  size,
	})
}
