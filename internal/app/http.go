package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"opsdesk/api/internal/search"
	"opsdesk/api/internal/store"
)

// HeaderActiveTag carries the client's stored active tag id.
const HeaderActiveTag = "X-Active-Tag"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	echo       *echo.Echo
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.echo = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(s.requestLog)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{s.corsOrigin},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID, HeaderActiveTag},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))

	api := e.Group("/api")
	api.GET("/health", s.health)
	api.HEAD("/health", s.health)
	api.GET("/ready", s.ready)
	api.HEAD("/ready", s.ready)

	items := api.Group("/collections/:kind/:partition")
	items.GET("/items", s.getBoard)
	items.POST("/items", s.createItem)
	items.GET("/lanes/:lane", s.getLane)
	items.POST("/lanes/:lane/renormalize", s.renormalizeLane)
	items.POST("/import", s.importItems)

	api.GET("/items/:id", s.getItem)
	api.POST("/items/:id/move", s.moveItem)
	api.PATCH("/items/:id", s.updateItem)
	api.DELETE("/items/:id", s.deleteItem)

	api.GET("/tags", s.listTags)
	api.POST("/tags", s.createTag)
	api.PATCH("/tags/:id", s.updateTag)
	api.DELETE("/tags/:id", s.deleteTag)
	api.PUT("/tags/:id/items/:itemId", s.tagItem)
	api.DELETE("/tags/:id/items/:itemId", s.untagItem)
	api.POST("/tags/:id/items/:itemId/toggle", s.toggleTag)

	api.GET("/docs", s.listDocs)
	api.POST("/docs", s.createDoc)
	api.GET("/docs/:id", s.getDoc)
	api.PATCH("/docs/:id", s.updateDoc)
	api.DELETE("/docs/:id", s.deleteDoc)

	api.GET("/search", s.search)
	api.GET("/search/ranked", s.rankedSearch)

	api.GET("/stream/:kind/:partition", s.streamBoard)
	return e
}

func (s *HTTPServer) health(c echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	return writeJSON(c, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func scopeParams(c echo.Context) store.Scope {
	return store.Scope{Kind: c.Param("kind"), Partition: c.Param("partition")}
}

func boardQuery(c echo.Context, lane string) BoardQuery {
	return BoardQuery{
		Scope:       scopeParams(c),
		Lane:        lane,
		TagName:     c.QueryParam("tag"),
		StoredTagID: strings.TrimSpace(c.Request().Header.Get(HeaderActiveTag)),
	}
}

func (s *HTTPServer) getBoard(c echo.Context) error {
	board, err := s.service.Board(c.Request().Context(), boardQuery(c, ""))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, board)
}

func (s *HTTPServer) getLane(c echo.Context) error {
	board, err := s.service.Board(c.Request().Context(), boardQuery(c, c.Param("lane")))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, board)
}

func (s *HTTPServer) createItem(c echo.Context) error {
	var body struct {
		Lane    string        `json:"lane"`
		Payload store.Payload `json:"payload"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	item, err := s.service.CreateItem(c.Request().Context(), scopeParams(c), body.Lane, body.Payload)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, map[string]any{"item": item})
}

func (s *HTTPServer) renormalizeLane(c echo.Context) error {
	result, err := s.service.RenormalizeLane(c.Request().Context(), scopeParams(c), c.Param("lane"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, result)
}

func (s *HTTPServer) importItems(c echo.Context) error {
	var body struct {
		Lane string `json:"lane"`
		Text string `json:"text"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	items, err := s.service.ImportItems(c.Request().Context(), scopeParams(c), body.Lane, body.Text)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, map[string]any{"items": items})
}

func (s *HTTPServer) getItem(c echo.Context) error {
	item, err := s.service.GetItem(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"item": item})
}

func (s *HTTPServer) moveItem(c echo.Context) error {
	var body struct {
		Lane  string `json:"lane"`
		Index *int   `json:"index"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if body.Index == nil {
		return validationError("index is required")
	}
	item, err := s.service.MoveItem(c.Request().Context(), c.Param("id"), body.Lane, *body.Index)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"item": item})
}

func (s *HTTPServer) updateItem(c echo.Context) error {
	var body struct {
		Payload store.Payload `json:"payload"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	item, err := s.service.UpdateItem(c.Request().Context(), c.Param("id"), body.Payload)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"item": item})
}

func (s *HTTPServer) deleteItem(c echo.Context) error {
	if err := s.service.DeleteItem(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type tagView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Archived  bool   `json:"archived"`
	CreatedAt int64  `json:"createdAt"`
}

func newTagView(tag store.Tag) tagView {
	return tagView{
		ID:        tag.ID,
		Name:      tag.Name,
		Color:     tag.Color,
		Archived:  tag.Archived,
		CreatedAt: tag.CreatedAt.UnixMilli(),
	}
}

func (s *HTTPServer) listTags(c echo.Context) error {
	includeArchived, _ := strconv.ParseBool(c.QueryParam("archived"))
	tags, err := s.service.ListTags(c.Request().Context(), includeArchived)
	if err != nil {
		return err
	}
	views := make([]tagView, 0, len(tags))
	for _, tag := range tags {
		views = append(views, newTagView(tag))
	}
	return writeJSON(c, http.StatusOK, map[string]any{"tags": views})
}

func (s *HTTPServer) createTag(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	tag, err := s.service.CreateTag(c.Request().Context(), body.Name)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, map[string]any{"tag": newTagView(tag)})
}

func (s *HTTPServer) updateTag(c echo.Context) error {
	var body struct {
		Name     *string `json:"name"`
		Color    *string `json:"color"`
		Archived *bool   `json:"archived"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	tag, err := s.service.UpdateTag(c.Request().Context(), c.Param("id"), store.TagPatch{
		Name:     body.Name,
		Color:    body.Color,
		Archived: body.Archived,
	})
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"tag": newTagView(tag)})
}

func (s *HTTPServer) deleteTag(c echo.Context) error {
	if err := s.service.DeleteTag(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) tagItem(c echo.Context) error {
	if err := s.service.TagItem(c.Request().Context(), c.Param("id"), c.Param("itemId")); err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"tagged": true})
}

func (s *HTTPServer) untagItem(c echo.Context) error {
	if err := s.service.UntagItem(c.Request().Context(), c.Param("id"), c.Param("itemId")); err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"tagged": false})
}

func (s *HTTPServer) toggleTag(c echo.Context) error {
	tagged, err := s.service.ToggleTag(c.Request().Context(), c.Param("id"), c.Param("itemId"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"tagged": tagged})
}

func (s *HTTPServer) listDocs(c echo.Context) error {
	docs, err := s.service.ListDocs(c.Request().Context(), c.QueryParam("partition"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"docs": docs})
}

func (s *HTTPServer) createDoc(c echo.Context) error {
	var body struct {
		Partition string `json:"partition"`
		Title     string `json:"title"`
		Body      string `json:"body"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	doc, err := s.service.CreateDoc(c.Request().Context(), body.Partition, body.Title, body.Body)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, map[string]any{"doc": doc})
}

func (s *HTTPServer) getDoc(c echo.Context) error {
	doc, err := s.service.GetDoc(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"doc": doc})
}

func (s *HTTPServer) updateDoc(c echo.Context) error {
	var body struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	doc, err := s.service.UpdateDoc(c.Request().Context(), c.Param("id"), store.DocPatch{Title: body.Title, Body: body.Body})
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"doc": doc})
}

func (s *HTTPServer) deleteDoc(c echo.Context) error {
	if err := s.service.DeleteDoc(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) search(c echo.Context) error {
	results, err := s.service.Search(c.Request().Context(), c.QueryParam("q"), c.QueryParam("partition"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, results)
}

func (s *HTTPServer) rankedSearch(c echo.Context) error {
	q := search.Query{
		Text:       c.QueryParam("q"),
		FilterType: search.ResultType(c.QueryParam("type")),
		Partition:  c.QueryParam("partition"),
	}
	var err error
	if q.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if q.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}
	resp, err := s.service.RankedSearch(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, resp)
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", map[string]any{name: raw})
	}
	return n, nil
}

// streamBoard pushes the board as server-sent events: one event on connect
// and one per change until the client goes away.
func (s *HTTPServer) streamBoard(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	q := boardQuery(c, c.QueryParam("lane"))
	if _, err := s.service.Board(ctx, q); err != nil {
		return err
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "stream unsupported", nil)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	for result := range s.service.WatchBoard(ctx, q) {
		event, payload := "board", any(result.Value)
		if result.Err != nil {
			_, code, message, _ := mapError(result.Err)
			event, payload = "error", map[string]any{"code": code, "error": message}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := c.Response().Write([]byte("event: " + event + "\ndata: ")); err != nil {
			return nil
		}
		if _, err := c.Response().Write(data); err != nil {
			return nil
		}
		if _, err := c.Response().Write([]byte("\n\n")); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}

func (s *HTTPServer) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		requestID := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
		if requestID == "" {
			requestID = randomRequestID()
		}
		c.Set("request_id", requestID)
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")

		started := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}

		log.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      c.Response().Status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
		return nil
	}
}

func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", c.Get("request_id")).Error("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = writeError(c, status, code, message, details)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(c echo.Context, status int, payload any) error {
	return c.JSON(status, payload)
}

func writeError(c echo.Context, status int, code, message string, details any) error {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	return writeJSON(c, status, response)
}

func decodeBody(c echo.Context, target any) error {
	body := c.Request().Body
	if body == nil {
		return nil
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}
