package middleware

import (
	"fmt"
	"strings"
	"time"

	"scan_server/pkg/apperr"
	"scan_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTAuth validates HS256 bearer tokens and stores the caller's
// identity in request locals. EventSource cannot set headers, so the
// token may also arrive as a `token` query parameter.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == "OPTIONS" {
			return c.Next()
		}

		var tokenString string

		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			return authError(c, apperr.CodeMissingBearerToken, "missing authorization")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		})
		if err != nil {
			logger.WithError(err).Warn("JWT validation failed")
			return authError(c, apperr.CodeInvalidToken, "invalid token")
		}
		if !token.Valid {
			return authError(c, apperr.CodeInvalidToken, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return authError(c, apperr.CodeInvalidToken, "invalid claims")
		}

		if exp, ok := claims["exp"].(float64); ok {
			if time.Now().Unix() > int64(exp) {
				return authError(c, apperr.CodeInvalidToken, "token expired")
			}
		}

		// Reject tokens issued in the future, with a minute of clock skew.
		if iat, ok := claims["iat"].(float64); ok {
			if time.Unix(int64(iat), 0).After(time.Now().Add(time.Minute)) {
				return authError(c, apperr.CodeInvalidToken, "token issued in the future")
			}
		}

		userIDStr, ok := claims["sub"].(string)
		if !ok {
			return authError(c, apperr.CodeInvalidToken, "missing user id in token")
		}

		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return authError(c, apperr.CodeInvalidToken, "invalid user id format")
		}

		email := ""
		if emailClaim, ok := claims["email"].(string); ok {
			email = emailClaim
		}

		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		c.Locals("claims", claims)

		return c.Next()
	}
}

func authError(c *fiber.Ctx, code, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(401).JSON(ErrorResponse{
		Success:   false,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
