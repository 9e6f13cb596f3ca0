package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.portal.messaging/pkg/errors"
)

// Response is the envelope every API reply uses.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

const (
	CodeSuccess = appErrors.CodeSuccess

	CodeTokenInvalid = appErrors.CodeTokenInvalid
	CodeTokenExpired = appErrors.CodeTokenExpired

	CodeInvalidParams = appErrors.CodeInvalidParams

	CodeValidation       = appErrors.CodeValidation
	CodePermissionDenied = appErrors.CodePermissionDenied
	CodeNotFound         = appErrors.CodeNotFound
	CodeTransport        = appErrors.CodeTransport

	CodeServerError     = appErrors.CodeServerError
	CodeDBError         = appErrors.CodeDBError
	CodeTooManyRequests = appErrors.CodeTooManyRequests
)

var codeMessages = map[int]string{
	CodeSuccess:          "success",
	CodeTokenInvalid:     appErrors.ErrTokenInvalid.Message,
	CodeTokenExpired:     appErrors.ErrTokenExpired.Message,
	CodeInvalidParams:    appErrors.ErrInvalidParams.Message,
	CodeValidation:       appErrors.ErrValidation.Message,
	CodePermissionDenied: appErrors.ErrPermissionDenied.Message,
	CodeNotFound:         appErrors.ErrNotFound.Message,
	CodeTransport:        appErrors.ErrTransport.Message,
	CodeServerError:      appErrors.ErrServerError.Message,
	CodeDBError:          appErrors.ErrDBError.Message,
	CodeTooManyRequests:  appErrors.ErrTooManyRequests.Message,
}

// HTTPStatus maps an error code to the HTTP status it is served with.
func HTTPStatus(code int) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParams, CodeValidation:
		return http.StatusBadRequest
	case CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Success writes data with code 0.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error writes the default message for code.
func Error(c *gin.Context, code int) {
	message := codeMessages[code]
	if message == "" {
		message = "unknown error"
	}
	ErrorWithMsg(c, code, message)
}

// ErrorWithMsg writes code with a custom message.
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(HTTPStatus(code), Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorFromAppError writes the code and message carried by err. Errors that
// are not AppErrors are reported as a server error without their text.
func ErrorFromAppError(c *gin.Context, err error) {
	ErrorWithMsg(c, appErrors.GetCode(err), appErrors.GetMessage(err))
}

// Unauthorized rejects a request without a usable token.
func Unauthorized(c *gin.Context) {
	Error(c, CodeTokenInvalid)
}

// TooManyRequests rejects a rate-limited request.
func TooManyRequests(c *gin.Context) {
	Error(c, CodeTooManyRequests)
}
