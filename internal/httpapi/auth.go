package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// adminAuth guards operator routes with an HMAC-signed bearer token.
func adminAuth(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{Error: ErrorPayload{Code: "unauthorized", Message: "missing bearer token"}})
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Warn("admin token rejected", zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{Error: ErrorPayload{Code: "unauthorized", Message: "invalid token"}})
			return
		}
		if subject, subjectErr := token.Claims.GetSubject(); subjectErr == nil {
			ctx.Set("admin_subject", subject)
		}
		ctx.Next()
	}
}
