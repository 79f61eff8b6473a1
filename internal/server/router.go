// Package server exposes the thin HTTP surface over the reconciliation
// engine. Handlers translate between wire shapes and the engine's interfaces;
// no merge logic lives here.
package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/auth"
	"github.com/Deer-Spangle/faexport-db/internal/ingest"
	"github.com/Deer-Spangle/faexport-db/internal/projection"
	"github.com/Deer-Spangle/faexport-db/internal/registry"
	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	apiKeyHeader       = "X-API-Key"
	contributorCtxKey  = "faexportdb_contributor"
	adminSubjectCtxKey = "faexportdb_admin_subject"
	jsonSuffix         = ".json"
	bearerSchemePrefix = "Bearer "
)

var (
	errMissingRegistry    = errors.New("registry service dependency required")
	errMissingStore       = errors.New("snapshot store dependency required")
	errMissingFormats     = errors.New("format registry dependency required")
	errMissingAdminTokens = errors.New("admin token issuer dependency required")
)

// Dependencies bundles everything the HTTP handler needs.
type Dependencies struct {
	Registry    *registry.Service
	Store       *snapshots.Store
	Formats     *ingest.Registry
	AdminTokens *auth.TokenIssuer
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the cache API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Formats == nil {
		return nil, errMissingFormats
	}
	if deps.AdminTokens == nil {
		return nil, errMissingAdminTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", apiKeyHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry:    deps.Registry,
		store:       deps.Store,
		formats:     deps.Formats,
		adminTokens: deps.AdminTokens,
		logger:      logger,
	}

	router.GET("/", handler.handleRoot)
	router.GET("/api/websites.json", handler.handleListWebsites)
	router.GET("/api/hash_algos.json", handler.handleListHashAlgos)
	router.GET("/api/view/submissions/:website_id/:site_submission_id", handler.handleViewSubmission)
	router.GET("/api/view/submissions/:website_id/:site_submission_id/snapshots.json", handler.handleSubmissionSnapshots)
	router.GET("/api/view/users/:website_id/:site_user_id", handler.handleViewUser)
	router.GET("/api/view/users/:website_id/:site_user_id/snapshots.json", handler.handleUserSnapshots)
	router.POST("/api/hash_search.json", handler.handleHashSearch)

	ingestGroup := router.Group("/api/ingest")
	ingestGroup.Use(handler.authorizeContributor)
	ingestGroup.POST("/:format", handler.handleIngest)

	adminGroup := router.Group("/api/admin")
	adminGroup.Use(handler.authorizeAdmin)
	adminGroup.POST("/websites.json", handler.handleCreateWebsite)
	adminGroup.POST("/hash_algos.json", handler.handleCreateHashAlgo)
	adminGroup.POST("/contributors.json", handler.handleCreateContributor)

	return router, nil
}

type httpHandler struct {
	registry    *registry.Service
	store       *snapshots.Store
	formats     *ingest.Registry
	adminTokens *auth.TokenIssuer
	logger      *zap.Logger
}

func (h *httpHandler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"error": nil,
		"data": gin.H{
			"name": "faexport-db",
			"description": "A cache database for art websites, archiving snapshots from many " +
				"independent scrapers to reduce scraping impact on those websites.",
		},
	})
}

// respondData wraps successful payloads in the {"error": null, "data": ...}
// envelope.
func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"error": nil, "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// trimJSONSuffix strips an optional trailing ".json" from a path parameter,
// so /api/view/submissions/fa/123.json and .../123 resolve the same entity.
func trimJSONSuffix(value string) string {
	return strings.TrimSuffix(value, jsonSuffix)
}

func (h *httpHandler) handleListWebsites(c *gin.Context) {
	websites, err := h.registry.ListWebsites(c.Request.Context())
	if err != nil {
		h.internalError(c, "listing websites", err)
		return
	}
	rendered := make([]map[string]any, 0, len(websites))
	for _, website := range websites {
		rendered = append(rendered, projection.WebsiteWebJSON(website))
	}
	respondData(c, gin.H{"websites": rendered})
}

func (h *httpHandler) handleListHashAlgos(c *gin.Context) {
	algos, err := h.registry.ListHashAlgos(c.Request.Context())
	if err != nil {
		h.internalError(c, "listing hash algos", err)
		return
	}
	rendered := make([]map[string]any, 0, len(algos))
	for _, algo := range algos {
		rendered = append(rendered, projection.HashAlgoWebJSON(algo))
	}
	respondData(c, gin.H{"hash_algos": rendered})
}

func (h *httpHandler) handleViewSubmission(c *gin.Context) {
	submission, ok := h.loadSubmission(c)
	if !ok {
		return
	}
	respondData(c, submission.WebJSON())
}

func (h *httpHandler) handleSubmissionSnapshots(c *gin.Context) {
	submission, ok := h.loadSubmission(c)
	if !ok {
		return
	}
	respondData(c, submission.SnapshotsWebJSON())
}

func (h *httpHandler) loadSubmission(c *gin.Context) (*projection.Submission, bool) {
	websiteID := c.Param("website_id")
	siteSubmissionID := trimJSONSuffix(c.Param("site_submission_id"))

	website, err := h.registry.WebsiteByID(c.Request.Context(), websiteID)
	if errors.Is(err, registry.ErrWebsiteNotFound) {
		respondError(c, http.StatusNotFound, "Website does not exist by ID: "+websiteID)
		return nil, false
	}
	if err != nil {
		h.internalError(c, "loading website", err)
		return nil, false
	}

	observed, err := h.store.SubmissionSnapshots(c.Request.Context(), website.WebsiteID, siteSubmissionID)
	if err != nil {
		h.internalError(c, "loading submission snapshots", err)
		return nil, false
	}
	if len(observed) == 0 {
		respondError(c, http.StatusNotFound,
			"There is no entry for submission with the ID "+siteSubmissionID+" on "+website.FullName)
		return nil, false
	}
	return projection.NewSubmission(website.WebsiteID, siteSubmissionID, observed), true
}

func (h *httpHandler) handleViewUser(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	respondData(c, user.WebJSON())
}

func (h *httpHandler) handleUserSnapshots(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	respondData(c, user.SnapshotsWebJSON())
}

func (h *httpHandler) loadUser(c *gin.Context) (*projection.User, bool) {
	websiteID := c.Param("website_id")
	siteUserID := trimJSONSuffix(c.Param("site_user_id"))

	website, err := h.registry.WebsiteByID(c.Request.Context(), websiteID)
	if errors.Is(err, registry.ErrWebsiteNotFound) {
		respondError(c, http.StatusNotFound, "Website does not exist by ID: "+websiteID)
		return nil, false
	}
	if err != nil {
		h.internalError(c, "loading website", err)
		return nil, false
	}

	observed, err := h.store.UserSnapshots(c.Request.Context(), website.WebsiteID, siteUserID)
	if err != nil {
		h.internalError(c, "loading user snapshots", err)
		return nil, false
	}
	if len(observed) == 0 {
		respondError(c, http.StatusNotFound,
			"There is no entry for user with the ID "+siteUserID+" on "+website.FullName)
		return nil, false
	}
	return projection.NewUser(website.WebsiteID, siteUserID, observed), true
}

type hashSearchRequest struct {
	AlgoID    int64  `json:"algo_id"`
	HashValue string `json:"hash_value"`
}

func (h *httpHandler) handleHashSearch(c *gin.Context) {
	var request hashSearchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	hashValue, err := base64.StdEncoding.DecodeString(request.HashValue)
	if err != nil || len(hashValue) == 0 {
		respondError(c, http.StatusBadRequest, "hash_value must be non-empty base64")
		return
	}

	algo, err := h.registry.HashAlgoByID(c.Request.Context(), request.AlgoID)
	if errors.Is(err, registry.ErrHashAlgoNotFound) {
		respondError(c, http.StatusNotFound, "Hash algo does not exist by ID")
		return
	}
	if err != nil {
		h.internalError(c, "loading hash algo", err)
		return
	}

	matches, err := h.store.SearchByFileHash(c.Request.Context(), algo.AlgoID, hashValue)
	if err != nil {
		h.internalError(c, "searching by file hash", err)
		return
	}
	rendered := make([]map[string]any, 0, len(matches))
	for index := range matches {
		rendered = append(rendered, projection.SubmissionSnapshotWebJSON(&matches[index]))
	}
	respondData(c, gin.H{"snapshots": rendered})
}

// authorizeContributor resolves the ingest API key before any payload is
// parsed. Unknown or missing keys are rejected outright.
func (h *httpHandler) authorizeContributor(c *gin.Context) {
	contributor, err := h.registry.ResolveAPIKey(c.Request.Context(), c.GetHeader(apiKeyHeader))
	if errors.Is(err, registry.ErrUnknownAPIKey) {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	if err != nil {
		h.internalError(c, "resolving api key", err)
		c.Abort()
		return
	}
	c.Set(contributorCtxKey, contributor)
	c.Next()
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	stored, _ := c.Get(contributorCtxKey)
	contributor, ok := stored.(registry.ArchiveContributor)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	formatName := trimJSONSuffix(c.Param("format"))
	format, err := h.formats.Lookup(formatName)
	if errors.Is(err, ingest.ErrUnknownFormat) {
		respondError(c, http.StatusNotFound, "Unknown ingest format: "+formatName)
		return
	}
	if err != nil {
		h.internalError(c, "resolving ingest format", err)
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "unable to read request body")
		return
	}
	response, err := format.Parse(payload, contributor)
	if errors.Is(err, ingest.ErrMalformedPayload) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, "parsing ingest payload", err)
		return
	}

	submissionIDs := make([]int64, 0, len(response.SubmissionSnapshots))
	for _, snapshot := range response.SubmissionSnapshots {
		if err := h.store.SaveSubmissionSnapshot(c.Request.Context(), snapshot); err != nil {
			if errors.Is(err, snapshots.ErrInvalidSnapshot) ||
				errors.Is(err, snapshots.ErrDuplicateOrdinal) ||
				errors.Is(err, snapshots.ErrMixedKeywordOrdering) {
				respondError(c, http.StatusBadRequest, err.Error())
				return
			}
			h.internalError(c, "saving submission snapshot", err)
			return
		}
		submissionIDs = append(submissionIDs, snapshot.SubmissionSnapshotID)
	}
	userIDs := make([]int64, 0, len(response.UserSnapshots))
	for _, snapshot := range response.UserSnapshots {
		if err := h.store.SaveUserSnapshot(c.Request.Context(), snapshot); err != nil {
			if errors.Is(err, snapshots.ErrInvalidSnapshot) {
				respondError(c, http.StatusBadRequest, err.Error())
				return
			}
			h.internalError(c, "saving user snapshot", err)
			return
		}
		userIDs = append(userIDs, snapshot.UserSnapshotID)
	}

	respondData(c, gin.H{
		"contributor":             projection.ContributorWebJSON(contributor),
		"submission_snapshot_ids": submissionIDs,
		"user_snapshot_ids":       userIDs,
	})
}

// authorizeAdmin validates the bearer token guarding registry mutations.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerSchemePrefix) {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	subject, err := h.adminTokens.ValidateToken(strings.TrimPrefix(header, bearerSchemePrefix))
	if err != nil {
		h.logger.Warn("admin token validation failed", zap.Error(err))
		respondError(c, http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	c.Set(adminSubjectCtxKey, subject)
	c.Next()
}

type createWebsiteRequest struct {
	WebsiteID string `json:"website_id"`
	FullName  string `json:"full_name"`
	Link      string `json:"link"`
}

func (h *httpHandler) handleCreateWebsite(c *gin.Context) {
	var request createWebsiteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	website, err := h.registry.EnsureWebsite(c.Request.Context(), registry.Website{
		WebsiteID: request.WebsiteID,
		FullName:  request.FullName,
		Link:      request.Link,
	})
	if errors.Is(err, registry.ErrInvalidRegistryEntry) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, "registering website", err)
		return
	}
	respondData(c, projection.WebsiteWebJSON(website))
}

type createHashAlgoRequest struct {
	Language      string `json:"language"`
	AlgorithmName string `json:"algorithm_name"`
}

func (h *httpHandler) handleCreateHashAlgo(c *gin.Context) {
	var request createHashAlgoRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	algo, err := h.registry.EnsureHashAlgo(c.Request.Context(), registry.HashAlgo{
		Language:      request.Language,
		AlgorithmName: request.AlgorithmName,
	})
	if errors.Is(err, registry.ErrInvalidRegistryEntry) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, "registering hash algo", err)
		return
	}
	respondData(c, projection.HashAlgoWebJSON(algo))
}

type createContributorRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

func (h *httpHandler) handleCreateContributor(c *gin.Context) {
	var request createContributorRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	contributor, err := h.registry.EnsureContributor(c.Request.Context(), registry.ArchiveContributor{
		Name:   request.Name,
		APIKey: request.APIKey,
	})
	if errors.Is(err, registry.ErrInvalidRegistryEntry) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, "registering contributor", err)
		return
	}
	// The minted API key is returned once, on creation, to the admin caller.
	rendered := projection.ContributorWebJSON(contributor)
	rendered["api_key"] = contributor.APIKey
	respondData(c, rendered)
}

func (h *httpHandler) internalError(c *gin.Context, operation string, err error) {
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	respondError(c, http.StatusInternalServerError, "internal_error")
}
