package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("NewError", func(t *testing.T) {
		err := NewError(CodeInvalidCart, "cart is empty")
		assert.Equal(t, CodeInvalidCart, err.Code)
		assert.Nil(t, err.Err)
		assert.Equal(t, "code: 40002, message: cart is empty", err.Error())
	})

	t.Run("WrapError", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := WrapError(cause, CodePaymentGateway, "refund failed")
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("IsMatchesByCode", func(t *testing.T) {
		err := fmt.Errorf("update order 7: %w", NewError(CodeConcurrentUpdate, "version mismatch"))
		assert.ErrorIs(t, err, ErrConcurrentUpdate)
		assert.NotErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("CodeAndMessage", func(t *testing.T) {
		wrapped := fmt.Errorf("outer: %w", ErrOrderNotFound)
		assert.Equal(t, CodeOrderNotFound, GetErrorCode(wrapped))
		assert.Equal(t, "order not found", GetErrorMessage(wrapped))

		plain := errors.New("sql: connection is already closed")
		assert.Equal(t, CodeInternalError, GetErrorCode(plain))
		assert.Equal(t, "internal server error", GetErrorMessage(plain))
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ResponseCode]int{
		CodeSuccess:           http.StatusOK,
		CodeInvalidCart:       http.StatusBadRequest,
		CodeUnknownCoupon:     http.StatusBadRequest,
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeForbidden:         http.StatusForbidden,
		CodeOrderNotFound:     http.StatusNotFound,
		CodeInvalidTransition: http.StatusConflict,
		CodeConcurrentUpdate:  http.StatusConflict,
		CodeRateLimit:         http.StatusTooManyRequests,
		CodePaymentGateway:    http.StatusBadGateway,
		CodeDatabaseError:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), "code %d", code)
	}
}

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	decode := func(t *testing.T, w *httptest.ResponseRecorder) Response {
		var resp Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	t.Run("Success", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		SuccessResponse(c, map[string]int{"id": 1})

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "success", resp.Message)
	})

	t.Run("ErrorHidesInternalDetails", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, errors.New("dial tcp 10.0.0.3:3306: i/o timeout"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, CodeInternalError, resp.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.3")
	})

	t.Run("ErrorUsesAppErrorCode", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, fmt.Errorf("get: %w", ErrOrderNotFound))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, CodeOrderNotFound, decode(t, w).Code)
	})

	t.Run("Page", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		SuccessPageResponse(c, []string{"a"}, 11, 2, 10)

		resp := decode(t, w)
		page, ok := resp.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(11), page["total"])
		assert.Equal(t, float64(2), page["page"])
	})
}
