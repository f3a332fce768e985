// Package server exposes the authority's page operations over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/orangetask/sync/internal/authority"
	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
)

const userIDContextKey = "orangetask_user_id"

// Error codes attached to rejection responses.
const (
	codeDuplicateKey  = "duplicate_key"
	codeStaleRevision = "stale_revision"
	codeNotFound      = "not_found"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingPagesService   = errors.New("pages service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the user it identifies.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	TokenValidator TokenValidator
	PagesService   *authority.Service
	Logger         *zap.Logger
}

// NewHTTPHandler builds the authority's router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.PagesService == nil {
		return nil, errMissingPagesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		pagesService: deps.PagesService,
		logger:       logger,
	}

	protected := router.Group("/api/db")
	protected.Use(handler.authorizeRequest)
	protected.POST("/fetchPages", handler.handleFetchPages)
	protected.POST("/fetchUpdatesSince", handler.handleFetchUpdatesSince)
	protected.POST("/insertPage", handler.handleInsertPage)
	protected.POST("/updatePage", handler.handleUpdatePage)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	pagesService *authority.Service
	logger       *zap.Logger
}

type pagePayload struct {
	ID                 string `json:"id"`
	UserID             string `json:"userId"`
	Title              string `json:"title"`
	Value              string `json:"value"`
	IsJournal          bool   `json:"isJournal"`
	Deleted            bool   `json:"deleted"`
	LastModifiedMillis int64  `json:"lastModifiedMs"`
	RevisionNumber     int64  `json:"revisionNumber"`
}

func payloadFromPage(page pages.Page) pagePayload {
	return pagePayload{
		ID:                 page.ID,
		UserID:             page.UserID,
		Title:              page.Title,
		Value:              page.Value,
		IsJournal:          page.IsJournal,
		Deleted:            page.Deleted,
		LastModifiedMillis: page.LastModifiedMillis,
		RevisionNumber:     page.RevisionNumber,
	}
}

type fetchPagesPayload struct {
	UserID string `json:"userId"`
}

func (h *httpHandler) handleFetchPages(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request fetchPagesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.UserID != "" && request.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user_mismatch"})
		return
	}

	fetched, err := h.pagesService.FetchPages(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to fetch pages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	result := make([]pagePayload, 0, len(fetched))
	for _, page := range fetched {
		result = append(result, payloadFromPage(page))
	}
	c.JSON(http.StatusOK, gin.H{"pages": result})
}

type fetchUpdatesSincePayload struct {
	UserID      string `json:"userId"`
	SinceMillis int64  `json:"sinceMs"`
}

func (h *httpHandler) handleFetchUpdatesSince(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request fetchUpdatesSincePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.UserID != "" && request.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user_mismatch"})
		return
	}

	fetched, err := h.pagesService.FetchUpdatesSince(c.Request.Context(), userID, request.SinceMillis)
	if err != nil {
		h.logger.Error("failed to fetch updates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	result := make([]pagePayload, 0, len(fetched))
	for _, page := range fetched {
		result = append(result, payloadFromPage(page))
	}
	c.JSON(http.StatusOK, gin.H{"pages": result})
}

type insertPagePayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Value     string `json:"value"`
	IsJournal bool   `json:"isJournal"`
}

func (h *httpHandler) handleInsertPage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request insertPagePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.pagesService.InsertPage(c.Request.Context(), authority.InsertRequest{
		ID:        request.ID,
		Title:     request.Title,
		Value:     request.Value,
		UserID:    userID,
		IsJournal: request.IsJournal,
	})
	if err != nil {
		h.rejectPageError(c, "insert", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": payloadFromPage(created)})
}

type updatePagePayload struct {
	ID                     string `json:"id"`
	Value                  string `json:"value"`
	Title                  string `json:"title"`
	Deleted                bool   `json:"deleted"`
	ExpectedRevisionNumber int64  `json:"expectedRevisionNumber"`
}

func (h *httpHandler) handleUpdatePage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request updatePagePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	receipt, err := h.pagesService.UpdatePageWithHistory(c.Request.Context(), authority.UpdateRequest{
		ID:                     request.ID,
		UserID:                 userID,
		Value:                  request.Value,
		Title:                  request.Title,
		Deleted:                request.Deleted,
		ExpectedRevisionNumber: request.ExpectedRevisionNumber,
	})
	if err != nil {
		h.rejectPageError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"revisionNumber": receipt.RevisionNumber,
		"lastModifiedMs": receipt.LastModifiedMillis,
	})
}

// rejectPageError maps service failures to the wire contract the sync engine
// classifies on.
func (h *httpHandler) rejectPageError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, pages.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": codeDuplicateKey})
	case errors.Is(err, pages.ErrStaleRevision):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": codeStaleRevision})
	case errors.Is(err, pages.ErrPageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": codeNotFound})
	default:
		h.logger.Error("page operation failed",
			zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
