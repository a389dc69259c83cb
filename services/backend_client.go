package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/GrainArc/ZoneMap/config"
	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ZoneAPI 服务端图斑接口
type ZoneAPI interface {
	FetchTile(ctx context.Context, z, x, y int, locality int64, version uint64) ([]byte, error)
	RefreshToken(ctx context.Context) error
	GetZone(ctx context.Context, id int64) (models.ZoneFeature, error)
	// BulkUpsert 返回与提交要素一一对应的服务端ID
	BulkUpsert(ctx context.Context, fc *geojson.FeatureCollection) ([]int64, error)
	UpdateStatus(ctx context.Context, id int64, status models.ZoneStatus) error
	DeleteZone(ctx context.Context, id int64) error
	GetConflicts(ctx context.Context, id int64) (models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id int64, action models.ResolveAction, zoneIDs []int64) error
	ListLandUses(ctx context.Context) ([]models.LandUse, error)
}

// HTTPBackend 基于 net/http 的 ZoneAPI 实现
type HTTPBackend struct {
	baseURL string
	paths   config.BackendPaths
	client  *http.Client
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	token        string
	refreshToken string
}

func NewHTTPBackend(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) *HTTPBackend {
	return &HTTPBackend{
		baseURL:      strings.TrimRight(cfg.BackendURL, "/"),
		paths:        cfg.Paths,
		client:       &http.Client{Timeout: cfg.Timeout()},
		log:          log.With().Str("component", "backend").Logger(),
		metrics:      m,
		token:        cfg.Token,
		refreshToken: cfg.RefreshToken,
	}
}

func (b *HTTPBackend) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// expand 替换路径占位符
func (b *HTTPBackend) expand(path string, vars map[string]string) string {
	for k, v := range vars {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	return b.baseURL + path
}

func idVars(id int64) map[string]string {
	return map[string]string{"id": strconv.FormatInt(id, 10)}
}

// do 发送请求并按状态码映射错误：401 登录过期，5xx 与传输错误为网络错误，400/422 为校验失败
func (b *HTTPBackend) do(ctx context.Context, op, method, target string, body interface{}, out interface{}) (status int, err error) {
	defer func() {
		kind := "ok"
		if err != nil {
			kind = models.ErrorKind(err)
		}
		b.metrics.ObserveBackendCall(op, kind)
		if err != nil {
			b.log.Warn().Err(err).Str("op", op).Int("status", status).Msg("backend call failed")
		}
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrapf(err, "%s: encode body", op)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: build request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := b.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(models.ErrNetworkFailure, "%s: %v", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Wrapf(models.ErrNetworkFailure, "%s: read body: %v", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, errors.Wrap(models.ErrAuthExpired, op)
	case resp.StatusCode >= 500:
		return resp.StatusCode, errors.Wrapf(models.ErrNetworkFailure, "%s: status %d", op, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, errors.Wrapf(models.ErrValidationFailed, "%s: %s", op, serverMessage(data))
	case resp.StatusCode >= 400:
		return resp.StatusCode, errors.Errorf("%s: status %d: %s", op, resp.StatusCode, serverMessage(data))
	}

	if out != nil && len(data) > 0 {
		if raw, ok := out.(*[]byte); ok {
			*raw = data
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "%s: decode response", op)
		}
	}
	return resp.StatusCode, nil
}

// serverMessage 取响应中的 message/error 字段
func serverMessage(data []byte) string {
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &m) == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (b *HTTPBackend) FetchTile(ctx context.Context, z, x, y int, locality int64, version uint64) ([]byte, error) {
	target := b.expand(b.paths.Tile, map[string]string{
		"z": strconv.Itoa(z), "x": strconv.Itoa(x), "y": strconv.Itoa(y),
	})
	q := url.Values{}
	q.Set("locality", strconv.FormatInt(locality, 10))
	q.Set("v", strconv.FormatUint(version, 10))
	var data []byte
	status, err := b.do(ctx, "fetch_tile", http.MethodGet, target+"?"+q.Encode(), nil, &data)
	if err != nil {
		// 404 表示该瓦片没有数据
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// RefreshToken 用刷新令牌换取新令牌，并发调用时只刷新一次
func (b *HTTPBackend) RefreshToken(ctx context.Context) error {
	b.mu.Lock()
	before, refresh := b.token, b.refreshToken
	b.mu.Unlock()

	var out struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	body := map[string]string{"refreshToken": refresh}
	if _, err := b.do(ctx, "refresh_token", http.MethodPost, b.expand(b.paths.Refresh, nil), body, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return errors.Wrap(models.ErrAuthExpired, "refresh returned no token")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != before {
		return nil
	}
	b.token = out.Token
	if out.RefreshToken != "" {
		b.refreshToken = out.RefreshToken
	}
	return nil
}

func (b *HTTPBackend) GetZone(ctx context.Context, id int64) (models.ZoneFeature, error) {
	var z models.ZoneFeature
	if _, err := b.do(ctx, "get_zone", http.MethodGet, b.expand(b.paths.Zone, idVars(id)), nil, &z); err != nil {
		return models.ZoneFeature{}, err
	}
	if z.ID == nil {
		z.ID = models.Int64Ptr(id)
	}
	return z, nil
}

// bulkResponse 兼容 {"ids":[...]} 与返回 FeatureCollection 两种形式
type bulkResponse struct {
	IDs      []int64            `json:"ids"`
	Features []*geojson.Feature `json:"features"`
}

func (b *HTTPBackend) BulkUpsert(ctx context.Context, fc *geojson.FeatureCollection) ([]int64, error) {
	var out bulkResponse
	if _, err := b.do(ctx, "bulk_upsert", http.MethodPost, b.expand(b.paths.Bulk, nil), fc, &out); err != nil {
		return nil, err
	}
	if len(out.IDs) > 0 {
		return out.IDs, nil
	}
	ids := make([]int64, 0, len(out.Features))
	for _, f := range out.Features {
		z, err := models.FeatureFromGeoJSON(f)
		if err != nil || z.ID == nil {
			ids = append(ids, 0)
			continue
		}
		ids = append(ids, *z.ID)
	}
	return ids, nil
}

func (b *HTTPBackend) UpdateStatus(ctx context.Context, id int64, status models.ZoneStatus) error {
	body := map[string]string{"status": string(status)}
	_, err := b.do(ctx, "update_status", http.MethodPatch, b.expand(b.paths.Status, idVars(id)), body, nil)
	return err
}

func (b *HTTPBackend) DeleteZone(ctx context.Context, id int64) error {
	_, err := b.do(ctx, "delete_zone", http.MethodDelete, b.expand(b.paths.Delete, idVars(id)), nil, nil)
	return err
}

func (b *HTTPBackend) GetConflicts(ctx context.Context, id int64) (models.ConflictRecord, error) {
	var out struct {
		OverlapGeometry    *geojson.Geometry `json:"overlapGeometry"`
		ConflictingZoneIDs []int64           `json:"conflictingZoneIds"`
	}
	if _, err := b.do(ctx, "get_conflicts", http.MethodGet, b.expand(b.paths.Conflicts, idVars(id)), nil, &out); err != nil {
		return models.ConflictRecord{}, err
	}
	rec := models.ConflictRecord{ZoneID: id, OverlappingZoneIDs: out.ConflictingZoneIDs}
	if out.OverlapGeometry != nil {
		rec.OverlapGeometry = out.OverlapGeometry.Geometry()
	}
	return rec, nil
}

func (b *HTTPBackend) ResolveConflict(ctx context.Context, id int64, action models.ResolveAction, zoneIDs []int64) error {
	if !action.Valid() {
		return errors.Wrapf(models.ErrValidationFailed, "unknown conflict action %q", action)
	}
	body := struct {
		Action  models.ResolveAction `json:"action"`
		ZoneIDs []int64              `json:"zoneIds"`
	}{action, zoneIDs}
	_, err := b.do(ctx, "resolve_conflict", http.MethodPost, b.expand(b.paths.Resolve, idVars(id)), body, nil)
	return err
}

func (b *HTTPBackend) ListLandUses(ctx context.Context) ([]models.LandUse, error) {
	var out []models.LandUse
	if _, err := b.do(ctx, "list_land_uses", http.MethodGet, b.expand(b.paths.LandUses, nil), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *HTTPBackend) String() string {
	return fmt.Sprintf("HTTPBackend(%s)", b.baseURL)
}
