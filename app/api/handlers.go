package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/reader"
	"github.com/lysyi3m/rss-reader/app/search"
	"github.com/lysyi3m/rss-reader/app/tasks"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func NewHandler(r *reader.Reader, generator GeneratorInterface, scheduler tasks.TaskSchedulerInterface, version string) *Handler {
	return &Handler{
		reader:    r,
		generator: generator,
		scheduler: scheduler,
		version:   version,
	}
}

func writeError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError

	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		status = appErr.HTTPStatus()
	case errors.Is(err, reader.ErrInvalidCursor):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "operation", operation, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxPageSize {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxPageSize)
	}
	return limit, nil
}

func parseTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

func parseEntryFilter(c *gin.Context) (database.EntryFilter, error) {
	which, err := database.ParseWhich(c.Query("which"))
	if err != nil {
		return database.EntryFilter{}, err
	}

	filter := database.EntryFilter{
		Which:   which,
		FeedURL: c.Query("feed"),
		Tag:     c.Query("tag"),
	}

	if filter.Since, err = parseTime(c, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime(c, "until"); err != nil {
		return filter, err
	}

	if raw := c.Query("has_enclosures"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid has_enclosures: %w", err)
		}
		filter.HasEnclosures = &v
	}

	switch addedBy := database.AddedBy(c.Query("added_by")); addedBy {
	case "", database.AddedByFeed, database.AddedByUser:
		filter.AddedBy = addedBy
	default:
		return filter, fmt.Errorf("invalid added_by: %q", addedBy)
	}

	return filter, nil
}

func (h *Handler) GetFeedRSS(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	limit, err := parseLimit(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	f, err := h.reader.GetFeed(ctx, url)
	if err != nil {
		if apperr.IsFeedNotFound(err) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Database error", "operation", "get_feed", "feed", url, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	page, err := h.reader.GetEntriesPage(ctx, reader.EntriesOptions{
		Filter: database.EntryFilter{FeedURL: url},
		Limit:  limit,
	})
	if err != nil {
		slog.Error("Database error", "operation", "get_entries", "feed", url, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	entries := make([]database.Entry, len(page.Results))
	for i, res := range page.Results {
		entries[i] = res.Entry
	}

	rss, err := h.generator.Run(*f, entries)
	if err != nil {
		slog.Error("RSS generation error", "feed", url, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Entries", strconv.Itoa(len(entries)))
	if f.LastUpdated != nil {
		c.Header("X-Last-Updated", f.LastUpdated.Format(time.RFC3339))
	}

	c.String(http.StatusOK, rss)
}

func (h *Handler) GetHealth(c *gin.Context) {
	ctx := c.Request.Context()
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
	}

	if counts, err := h.reader.GetFeedCounts(ctx, database.FeedFilter{}); err == nil {
		health["feeds"] = counts
	}
	if counts, err := h.reader.GetEntryCounts(ctx, database.EntryFilter{}); err == nil {
		health["entries"] = counts
	}
	if enabled, err := h.reader.SearchEnabled(ctx); err == nil {
		health["search_enabled"] = enabled
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	filter := database.FeedFilter{
		Tag:  c.Query("tag"),
		Sort: database.FeedSort(c.DefaultQuery("sort", string(database.FeedSortTitle))),
	}
	if filter.Sort != database.FeedSortTitle && filter.Sort != database.FeedSortAdded {
		badRequest(c, fmt.Errorf("invalid sort: %q", filter.Sort))
		return
	}
	if raw := c.Query("broken"); raw != "" {
		broken, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid broken: %w", err))
			return
		}
		filter.Broken = &broken
	}

	feeds, err := h.reader.GetFeeds(c.Request.Context(), filter)
	if err != nil {
		writeError(c, "list_feeds", err)
		return
	}

	response := make([]feedResponse, len(feeds))
	for i, f := range feeds {
		response[i] = newFeedResponse(f)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": response,
		"total": len(response),
	})
}

func (h *Handler) APIAddFeed(c *gin.Context) {
	var req addFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.reader.AddFeed(ctx, req.URL); err != nil {
		writeError(c, "add_feed", err)
		return
	}
	if req.Title != "" {
		if err := h.reader.SetFeedUserTitle(ctx, req.URL, req.Title); err != nil {
			writeError(c, "set_feed_title", err)
			return
		}
	}
	for _, tag := range req.Tags {
		if err := h.reader.AddFeedTag(ctx, req.URL, tag); err != nil {
			writeError(c, "add_feed_tag", err)
			return
		}
	}

	f, err := h.reader.GetFeed(ctx, req.URL)
	if err != nil {
		writeError(c, "get_feed", err)
		return
	}

	c.JSON(http.StatusCreated, newFeedResponse(*f))
}

func (h *Handler) APIDeleteFeed(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	if err := h.reader.DeleteFeed(c.Request.Context(), url); err != nil {
		writeError(c, "delete_feed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) APIGetFeedDetails(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	ctx := c.Request.Context()
	f, err := h.reader.GetFeed(ctx, url)
	if err != nil {
		writeError(c, "get_feed", err)
		return
	}

	details := map[string]interface{}{
		"feed": newFeedResponse(*f),
	}

	if counts, err := h.reader.GetEntryCounts(ctx, database.EntryFilter{FeedURL: url}); err == nil {
		details["entries"] = counts
	}
	if metadata, err := h.reader.GetFeedMetadata(ctx, url); err == nil {
		details["metadata"] = metadata
	}

	c.JSON(http.StatusOK, details)
}

// APIUpdateFeeds updates the listed feeds, or all feeds with updates
// enabled when none are listed. It waits for the updates to finish.
func (h *Handler) APIUpdateFeeds(c *gin.Context) {
	var req updateFeedsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	outcomes, err := h.reader.UpdateFeeds(c.Request.Context(), req.URLs)
	if err != nil {
		writeError(c, "update_feeds", err)
		return
	}

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"outcomes": outcomes,
		"total":    len(outcomes),
		"failed":   failed,
	})
}

func (h *Handler) APISyncConfigs(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Feed configuration sync is not available"})
		return
	}

	queued, err := h.scheduler.SyncConfigs()
	if err != nil {
		slog.Error("Error syncing feed configurations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to sync feed configurations",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Configurations reloaded and sync tasks enqueued",
		"queued":  queued,
	})
}

func (h *Handler) APIGetEntries(c *gin.Context) {
	filter, err := parseEntryFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	h.writePage(c, "get_entries", reader.EntriesOptions{
		Filter: filter,
		Search: c.Query("q"),
		Sort:   search.Sort(c.Query("sort")),
		Cursor: c.Query("cursor"),
	})
}

func (h *Handler) APISearch(c *gin.Context) {
	filter, err := parseEntryFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing q parameter"})
		return
	}
	h.writePage(c, "search_entries", reader.EntriesOptions{
		Filter: filter,
		Search: q,
		Sort:   search.Sort(c.Query("sort")),
		Cursor: c.Query("cursor"),
	})
}

func (h *Handler) writePage(c *gin.Context, operation string, opts reader.EntriesOptions) {
	limit, err := parseLimit(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	opts.Limit = limit

	page, err := h.reader.GetEntriesPage(c.Request.Context(), opts)
	if err != nil {
		writeError(c, operation, err)
		return
	}

	response := pageResponse{
		Entries: make([]entryResponse, len(page.Results)),
		Cursor:  page.Cursor,
	}
	for i, res := range page.Results {
		response.Entries[i] = newEntryResponse(res)
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) APIMarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	key := database.EntryKey{FeedURL: req.Feed, ID: req.ID}
	if err := h.reader.MarkEntryRead(c.Request.Context(), key, req.Read); err != nil {
		writeError(c, "mark_entry_read", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) APIMarkImportant(c *gin.Context) {
	var req markImportantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	important, err := database.ParseImportant(req.Important)
	if err != nil {
		badRequest(c, err)
		return
	}

	key := database.EntryKey{FeedURL: req.Feed, ID: req.ID}
	if err := h.reader.MarkEntryImportant(c.Request.Context(), key, important); err != nil {
		writeError(c, "mark_entry_important", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
