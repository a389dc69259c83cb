package config

import (
	"encoding/xml"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// BackendPaths 服务端接口路径，{z}{x}{y}{id} 为占位符
type BackendPaths struct {
	Tile      string `xml:"tile"`
	Zone      string `xml:"zone"`
	Bulk      string `xml:"bulk"`
	Status    string `xml:"status"`
	Delete    string `xml:"delete"`
	Conflicts string `xml:"conflicts"`
	Resolve   string `xml:"resolve"`
	LandUses  string `xml:"landuses"`
	Refresh   string `xml:"refresh"`
}

type Config struct {
	XMLName      xml.Name     `xml:"config"`
	Listen       string       `xml:"listen"`
	BackendURL   string       `xml:"backend"`
	Token        string       `xml:"token"`
	RefreshToken string       `xml:"refreshToken"`
	LocalityID   int64        `xml:"locality"`
	Username     string       `xml:"user"`
	DraftDB      string       `xml:"draftdb"`
	Download     string       `xml:"download"`
	FontPath     string       `xml:"font"`
	LogLevel     string       `xml:"loglevel"`
	DXFCrs       string       `xml:"dxfcrs"`
	TimeoutSec   int          `xml:"timeout"`
	MinZoom      int          `xml:"minzoom"`
	MaxTiles     int          `xml:"maxtiles"`
	TileParallel int          `xml:"tileparallel"`
	TileCache    int          `xml:"tilecache"`
	Paths        BackendPaths `xml:"paths"`
}

func DefaultPaths() BackendPaths {
	return BackendPaths{
		Tile:      "/zones/tiles/{z}/{x}/{y}.pbf",
		Zone:      "/zones/{id}",
		Bulk:      "/zones/bulk",
		Status:    "/zones/{id}/status",
		Delete:    "/zones/{id}",
		Conflicts: "/zones/{id}/conflicts",
		Resolve:   "/zones/{id}/conflicts/resolve",
		LandUses:  "/land-uses",
		Refresh:   "/auth/refresh",
	}
}

func Default() Config {
	return Config{
		Listen:       ":8426",
		BackendURL:   "http://127.0.0.1:8080",
		Username:     "editor",
		DraftDB:      "data/draft.db",
		Download:     "data/export",
		LogLevel:     "info",
		DXFCrs:       "EPSG:4326",
		TimeoutSec:   30,
		MinZoom:      10,
		MaxTiles:     64,
		TileParallel: 6,
		TileCache:    512,
		Paths:        DefaultPaths(),
	}
}

// Timeout 服务端请求超时
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load 读取 XML 配置（文件不存在时使用默认值），再用 .env 和 ZONEMAP_* 环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		xmlFile, err := os.Open(path)
		switch {
		case err == nil:
			defer xmlFile.Close()
			if err := xml.NewDecoder(xmlFile).Decode(&cfg); err != nil {
				return nil, errors.Wrapf(err, "decode %s", path)
			}
		case !os.IsNotExist(err):
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}

	// .env 不存在不算错误
	_ = godotenv.Load()
	applyEnv(&cfg)
	fillPathDefaults(&cfg.Paths)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fillPathDefaults(p *BackendPaths) {
	d := DefaultPaths()
	set := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	set(&p.Tile, d.Tile)
	set(&p.Zone, d.Zone)
	set(&p.Bulk, d.Bulk)
	set(&p.Status, d.Status)
	set(&p.Delete, d.Delete)
	set(&p.Conflicts, d.Conflicts)
	set(&p.Resolve, d.Resolve)
	set(&p.LandUses, d.LandUses)
	set(&p.Refresh, d.Refresh)
}

func applyEnv(c *Config) {
	c.Listen = getEnv("ZONEMAP_LISTEN", c.Listen)
	c.BackendURL = getEnv("ZONEMAP_BACKEND", c.BackendURL)
	c.Token = getEnv("ZONEMAP_TOKEN", c.Token)
	c.RefreshToken = getEnv("ZONEMAP_REFRESH_TOKEN", c.RefreshToken)
	c.LocalityID = int64(getIntEnv("ZONEMAP_LOCALITY", int(c.LocalityID)))
	c.Username = getEnv("ZONEMAP_USER", c.Username)
	c.DraftDB = getEnv("ZONEMAP_DRAFT_DB", c.DraftDB)
	c.Download = getEnv("ZONEMAP_DOWNLOAD", c.Download)
	c.FontPath = getEnv("ZONEMAP_FONT", c.FontPath)
	c.LogLevel = getEnv("ZONEMAP_LOG_LEVEL", c.LogLevel)
	c.DXFCrs = getEnv("ZONEMAP_DXF_CRS", c.DXFCrs)
	c.TimeoutSec = getIntEnv("ZONEMAP_TIMEOUT", c.TimeoutSec)
	c.MinZoom = getIntEnv("ZONEMAP_MIN_ZOOM", c.MinZoom)
	c.MaxTiles = getIntEnv("ZONEMAP_MAX_TILES", c.MaxTiles)
	c.TileParallel = getIntEnv("ZONEMAP_TILE_PARALLEL", c.TileParallel)
	c.TileCache = getIntEnv("ZONEMAP_TILE_CACHE", c.TileCache)
}

// Validate 检查必填项
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend url is required")
	}
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return errors.Errorf("backend url %q must be http(s)", c.BackendURL)
	}
	if c.TimeoutSec <= 0 {
		return errors.Errorf("timeout must be positive, got %d", c.TimeoutSec)
	}
	if c.MaxTiles <= 0 || c.TileParallel <= 0 {
		return errors.New("maxtiles and tileparallel must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}
