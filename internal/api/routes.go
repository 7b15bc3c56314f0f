// 包 api：集中注册配置管理 HTTP 路由，主入口只负责挂载到 API_BASE 前缀
// 约束：处理函数只做解码、调用 publish 流程与错误映射，不持有跨请求状态
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"game-config/internal/docstore"
	"game-config/internal/geo"
	"game-config/internal/geoseed"
	"game-config/internal/logger"
	"game-config/internal/objstore"
	"game-config/internal/publish"
	"game-config/internal/snapshot"

	"github.com/go-chi/chi/v5"
)

// MaxBodyBytes：保存请求体上限（含内联媒体描述）
const MaxBodyBytes = 8 << 20

type handler struct {
	p    *publish.Pipeline
	seed geoseed.Locator
	log  *slog.Logger
}

type Option func(*handler)

// WithLocator：配置后，保存时 settings 没有地图中心则按请求方 IP 估算
func WithLocator(l geoseed.Locator) Option {
	return func(h *handler) { h.seed = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.log = l
		}
	}
}

// BuildRoutes：构建并返回 API 路由
func BuildRoutes(p *publish.Pipeline, opts ...Option) http.Handler {
	h := &handler{p: p, log: logger.L()}
	for _, o := range opts {
		o(h)
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/selftest", h.selftest)
	r.Get("/games/{slug}", h.show)
	r.Get("/games/{slug}/index", h.index)
	r.Post("/games/{slug}/save", h.save)
	r.Post("/games/{slug}/publish", h.publish)
	r.Post("/games/{slug}/make-live", h.makeLive)
	r.Post("/games/{slug}/recenter", h.recenter)
	r.Get("/games/{slug}/pins", h.pins)
	r.Put("/games/{slug}/pins", h.savePins)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf：错误到 HTTP 状态码
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case publish.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, objstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, objstore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, docstore.ErrCorrupt), errors.Is(err, snapshot.ErrCorruptCenter):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := map[string]any{"ok": false, "error": err.Error()}
	var ve *publish.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("api_error", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		h.log.Debug("api_reject", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

// decode：空请求体视为 {}；数字保留为 json.Number 以免大整数失真
func decode(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &publish.ValidationError{Field: "body", Msg: "invalid JSON: " + err.Error()}
	}
	return nil
}

// queryOr：查询参数优先于请求体中的同名字段
func queryOr(r *http.Request, name string, fallback any) any {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return fallback
}

type saveBody struct {
	Channel        any            `json:"channel"`
	Title          any            `json:"title"`
	Flags          snapshot.Flags `json:"flags"`
	Settings       any            `json:"settings"`
	Missions       any            `json:"missions"`
	Devices        any            `json:"devices"`
	Media          any            `json:"media"`
	DefaultChannel any            `json:"defaultChannel"`
	VersionID      string         `json:"versionId"`
}

func (h *handler) saveRequest(w http.ResponseWriter, r *http.Request) (publish.SaveRequest, error) {
	var b saveBody
	if err := decode(w, r, &b); err != nil {
		return publish.SaveRequest{}, err
	}
	req := publish.SaveRequest{
		Slug:           chi.URLParam(r, "slug"),
		Channel:        queryOr(r, "channel", b.Channel),
		Title:          b.Title,
		Flags:          b.Flags,
		Settings:       b.Settings,
		Missions:       b.Missions,
		Devices:        b.Devices,
		Media:          b.Media,
		DefaultChannel: b.DefaultChannel,
		VersionID:      b.VersionID,
	}
	if h.seed != nil {
		if c, err := h.seed.Locate(clientIP(r)); err == nil {
			req.SeedCenter = &c
		} else {
			h.log.Debug("api_seed_center_skip", "err", err)
		}
	}
	return req, nil
}

func (h *handler) save(w http.ResponseWriter, r *http.Request) {
	req, err := h.saveRequest(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.p.Save(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	req, err := h.saveRequest(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.p.Publish(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (h *handler) makeLive(w http.ResponseWriter, r *http.Request) {
	var b struct {
		DefaultChannel any `json:"defaultChannel"`
	}
	if err := decode(w, r, &b); err != nil {
		h.fail(w, r, err)
		return
	}
	slug := chi.URLParam(r, "slug")
	live, err := h.p.MakeLive(r.Context(), slug, b.DefaultChannel)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slug, _ = snapshot.NormalizeSlug(slug)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "slug": slug, "liveChannel": live})
}

func (h *handler) recenter(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Channel   any `json:"channel"`
		NewCenter *struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"newCenter"`
		Mode string `json:"mode"`
	}
	if err := decode(w, r, &b); err != nil {
		h.fail(w, r, err)
		return
	}
	// 缺少任一分量时拒绝，不能按 0 补齐
	var center *geo.LatLng
	if b.NewCenter != nil {
		if b.NewCenter.Lat == nil || b.NewCenter.Lng == nil {
			h.fail(w, r, &publish.ValidationError{Field: "newCenter", Msg: "lat and lng are both required"})
			return
		}
		center = &geo.LatLng{Lat: *b.NewCenter.Lat, Lng: *b.NewCenter.Lng}
	}
	res, err := h.p.Recenter(r.Context(), publish.RecenterRequest{
		Slug:    chi.URLParam(r, "slug"),
		Channel: queryOr(r, "channel", b.Channel),
		Center:  center,
		Mode:    b.Mode,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (h *handler) show(w http.ResponseWriter, r *http.Request) {
	cur, err := h.p.Load(r.Context(), chi.URLParam(r, "slug"), r.URL.Query().Get("channel"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "versionId": cur.VersionID, "path": cur.Path, "snapshot": cur.Snapshot})
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	ix, err := h.p.Index(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "index": ix})
}

func floatParam(r *http.Request, name string) (float64, error) {
	v, err := strconv.ParseFloat(r.URL.Query().Get(name), 64)
	if err != nil {
		return 0, &publish.ValidationError{Field: name, Msg: "must be a number"}
	}
	return v, nil
}

// pins：带 lat/lng 时按 radius_km 半径或 nearest 个数查询，否则返回全部去重坐标
func (h *handler) pins(w http.ResponseWriter, r *http.Request) {
	slug, ch := chi.URLParam(r, "slug"), r.URL.Query().Get("channel")
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lng") == "" && q.Get("radius_km") == "" && q.Get("nearest") == "" {
		pins, err := h.p.Pins(r.Context(), slug, ch)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(pins), "pins": pins})
		return
	}
	var center geo.LatLng
	var err error
	if center.Lat, err = floatParam(r, "lat"); err == nil {
		center.Lng, err = floatParam(r, "lng")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var hits []geo.Hit
	if raw := q.Get("nearest"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil {
			h.fail(w, r, &publish.ValidationError{Field: "nearest", Msg: "must be an integer"})
			return
		}
		hits, err = h.p.PinsNearest(r.Context(), slug, ch, center, n)
	} else {
		var radius float64
		if radius, err = floatParam(r, "radius_km"); err == nil {
			hits, err = h.p.PinsNear(r.Context(), slug, ch, center, radius)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(hits), "pins": hits})
}

func (h *handler) savePins(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Channel any   `json:"channel"`
		Pins    []any `json:"pins"`
	}
	if err := decode(w, r, &b); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.p.SavePins(r.Context(), chi.URLParam(r, "slug"), queryOr(r, "channel", b.Channel), b.Pins)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (h *handler) selftest(w http.ResponseWriter, r *http.Request) {
	rep, err := h.p.Selftest(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": rep.Write && rep.Read, "selftest": rep})
}
