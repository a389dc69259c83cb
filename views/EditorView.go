package views

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/GrainArc/ZoneMap/Transformer"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/services"
	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EditorHandler 编辑器接口，全部操作转给 EditorActions
type EditorHandler struct {
	editor services.EditorActions
	log    zerolog.Logger
}

func NewEditorHandler(editor services.EditorActions, log zerolog.Logger) *EditorHandler {
	return &EditorHandler{editor: editor, log: log.With().Str("component", "http").Logger()}
}

// 错误类型对应的HTTP状态码
var kindStatus = map[string]int{
	"InvalidCoordinate":    http.StatusBadRequest,
	"InvalidCrsIdentifier": http.StatusBadRequest,
	"InsufficientPoints":   http.StatusBadRequest,
	"UnrecognizedFormat":   http.StatusBadRequest,
	"UnsupportedGeometry":  http.StatusBadRequest,
	"ValidationFailed":     http.StatusUnprocessableEntity,
	"NoEntry":              http.StatusNotFound,
	"NoConflict":           http.StatusConflict,
	"SaveInFlight":         http.StatusConflict,
	"NotSaved":             http.StatusConflict,
	"AuthExpired":          http.StatusUnauthorized,
	"NetworkFailure":       http.StatusBadGateway,
}

func (h *EditorHandler) fail(c *gin.Context, err error) {
	kind := models.ErrorKind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{
		"code":      status,
		"kind":      kind,
		"error":     err.Error(),
		"retryable": models.IsRetryable(err),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "kind": "BadRequest", "error": err.Error()})
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": data})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, errors.Errorf("invalid zone id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func (h *EditorHandler) State(c *gin.Context) {
	ok(c, h.editor.ViewState())
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (h *EditorHandler) SetToolMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.editor.SetToolMode(models.ToolMode(req.Mode)); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.ViewState())
}

func (h *EditorHandler) SetColorMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.editor.SetColorMode(models.ColorMode(req.Mode)); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.ViewState())
}

// viewportRequest bbox 为 [minLon, minLat, maxLon, maxLat]
type viewportRequest struct {
	BBox []float64 `json:"bbox" binding:"required,len=4"`
	Zoom int       `json:"zoom" binding:"min=0,max=24"`
}

func (h *EditorHandler) SetViewport(c *gin.Context) {
	var req viewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	vp := models.Viewport{
		Bound: orb.Bound{Min: orb.Point{req.BBox[0], req.BBox[1]}, Max: orb.Point{req.BBox[2], req.BBox[3]}},
		Zoom:  req.Zoom,
	}
	if err := h.editor.SetViewport(c.Request.Context(), vp); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.Legend())
}

type localityRequest struct {
	ID int64 `json:"id" binding:"required"`
}

func (h *EditorHandler) SetLocality(c *gin.Context) {
	var req localityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.editor.SetLocality(c.Request.Context(), req.ID); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.ViewState())
}

func (h *EditorHandler) Entries(c *gin.Context) {
	ok(c, h.editor.Entries())
}

func bindFeature(c *gin.Context) (models.ZoneFeature, bool) {
	var f models.ZoneFeature
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, errors.Wrap(models.ErrUnrecognizedFormat, err.Error()))
		return f, false
	}
	return f, true
}

func (h *EditorHandler) CreateZone(c *gin.Context) {
	f, good := bindFeature(c)
	if !good {
		return
	}
	e, err := h.editor.CreateZone(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, e)
}

func (h *EditorHandler) UpdateZone(c *gin.Context) {
	f, good := bindFeature(c)
	if !good {
		return
	}
	e, err := h.editor.UpdateZone(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, e)
}

func (h *EditorHandler) DeleteZone(c *gin.Context) {
	f, good := bindFeature(c)
	if !good {
		return
	}
	if err := h.editor.DeleteZone(f); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.Entries())
}

type landUseRequest struct {
	LandUseID int64 `json:"landUseId" binding:"required"`
}

func (h *EditorHandler) AssignLandUse(c *gin.Context) {
	var req landUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e, err := h.editor.AssignLandUse(c.Param("key"), req.LandUseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, e)
}

func (h *EditorHandler) PointTable(c *gin.Context) {
	var req services.PointTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e, err := h.editor.CreateFromPointTable(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, e)
}

// CSV 上传界址点文件，表单字段 file、mode、crs、landUseId
func (h *EditorHandler) CSV(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	req := services.PointTableRequest{
		Mode:  Transformer.CoordMode(c.DefaultPostForm("mode", string(Transformer.ModeGeographic))),
		CRS:   c.PostForm("crs"),
		Color: c.PostForm("color"),
	}
	if v := c.PostForm("landUseId"); v != "" {
		if req.LandUseID, err = strconv.ParseInt(v, 10, 64); err != nil {
			badRequest(c, errors.Errorf("invalid landUseId %q", v))
			return
		}
	}
	e, err := h.editor.CreateFromCSV(data, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, e)
}

func (h *EditorHandler) Save(c *gin.Context) {
	res, err := h.editor.Save(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, res)
}

func (h *EditorHandler) Discard(c *gin.Context) {
	h.editor.Discard()
	ok(c, "ok")
}

func (h *EditorHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.editor.History(limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, recs)
}

func (h *EditorHandler) status(c *gin.Context, fn func(id int64) error) {
	id, good := pathID(c)
	if !good {
		return
	}
	if err := fn(id); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "ok")
}

func (h *EditorHandler) Approve(c *gin.Context) {
	h.status(c, func(id int64) error { return h.editor.Approve(c.Request.Context(), id) })
}

func (h *EditorHandler) Reject(c *gin.Context) {
	h.status(c, func(id int64) error { return h.editor.Reject(c.Request.Context(), id) })
}

func (h *EditorHandler) SendToDraft(c *gin.Context) {
	h.status(c, func(id int64) error { return h.editor.SendToDraft(c.Request.Context(), id) })
}

func (h *EditorHandler) DeleteSaved(c *gin.Context) {
	h.status(c, func(id int64) error { return h.editor.DeleteSaved(c.Request.Context(), id) })
}

type selectRequest struct {
	Key string `json:"key" binding:"required"`
}

func (h *EditorHandler) Select(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.editor.Select(c.Request.Context(), req.Key)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, rec)
}

func (h *EditorHandler) Deselect(c *gin.Context) {
	h.editor.Deselect()
	ok(c, "ok")
}

func (h *EditorHandler) Conflict(c *gin.Context) {
	rec, loaded := h.editor.Conflict()
	if !loaded {
		ok(c, nil)
		return
	}
	ok(c, gin.H{"record": rec, "overlay": h.editor.ConflictOverlay()})
}

func (h *EditorHandler) ResolveConflict(c *gin.Context) {
	ctx := c.Request.Context()
	var err error
	switch models.ResolveAction(c.Param("action")) {
	case models.ActionTrim:
		err = h.editor.TrimConflict(ctx)
	case models.ActionSplit:
		err = h.editor.SplitConflict(ctx)
	case models.ActionIgnore:
		err = h.editor.IgnoreConflict(ctx)
	default:
		badRequest(c, errors.Errorf("unknown conflict action %q", c.Param("action")))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "ok")
}

// Render 渲染投影，GeoJSON 输出
func (h *EditorHandler) Render(c *gin.Context) {
	c.JSON(http.StatusOK, services.RenderCollection(h.editor.RenderView()))
}

func (h *EditorHandler) Legend(c *gin.Context) {
	ok(c, h.editor.Legend())
}

func (h *EditorHandler) LegendImage(c *gin.Context) {
	png, err := h.editor.LegendImage()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *EditorHandler) Styles(c *gin.Context) {
	ok(c, h.editor.Styles())
}

// Pattern 路径为 /patterns/<签名>.png，签名中可能带斜杠
func (h *EditorHandler) Pattern(c *gin.Context) {
	key := strings.TrimSuffix(strings.TrimPrefix(c.Param("key"), "/"), ".png")
	png, found := h.editor.Pattern(key)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "error": "pattern not found"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *EditorHandler) LandUses(c *gin.Context) {
	lus := h.editor.LandUses()
	ok(c, lus)
}

func (h *EditorHandler) ReloadLandUses(c *gin.Context) {
	if err := h.editor.LoadLandUses(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, h.editor.Styles())
}

func exportScope(c *gin.Context) services.ExportScope {
	if services.ExportScope(c.Query("scope")) == services.ExportView {
		return services.ExportView
	}
	return services.ExportEntries
}

func (h *EditorHandler) ExportGeoJSON(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="zones.geojson"`)
	c.JSON(http.StatusOK, h.editor.ExportGeoJSON(exportScope(c)))
}

func (h *EditorHandler) ExportSHP(c *gin.Context) {
	path, err := h.editor.ExportSHP(exportScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (h *EditorHandler) ExportDXF(c *gin.Context) {
	path, err := h.editor.ExportDXF(exportScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
