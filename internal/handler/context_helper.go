package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/middleware"
	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

// actorFromContext resolves the authenticated caller set by the JWT middleware.
func actorFromContext(c *gin.Context) (models.Actor, error) {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		return models.Actor{}, appErrors.ErrUnauthorized
	}
	return claims.Actor(), nil
}

// listQuery parses ?status=A,B&limit=&offset=.
func listQuery(c *gin.Context) (dto.LetterListQuery, error) {
	var query dto.LetterListQuery
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := models.LetterStatus(part)
			switch status {
			case models.LetterStatusProcessing, models.LetterStatusRevision, models.LetterStatusRejected,
				models.LetterStatusCancelled, models.LetterStatusCompleted:
				query.Status = append(query.Status, status)
			default:
				return query, appErrors.Clone(appErrors.ErrValidation, "unknown status "+part)
			}
		}
	}
	var err error
	if query.Limit, err = intQuery(c, "limit"); err != nil {
		return query, err
	}
	if query.Offset, err = intQuery(c, "offset"); err != nil {
		return query, err
	}
	return query, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, key+" must be a non-negative integer")
	}
	return value, nil
}
