package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/pkg/response"
)

// parseID reads a positive int64 path parameter, writing an invalid-params
// reply when it is missing or malformed.
func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ErrorWithMsg(c, response.CodeInvalidParams, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt64 reads an optional non-negative integer query parameter.
func queryInt64(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		response.ErrorWithMsg(c, response.CodeInvalidParams, "invalid "+name)
		return 0, false
	}
	return n, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return false
	}
	return true
}
