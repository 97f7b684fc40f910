// Package geocoder 调用 Nominatim 把住所地址解析为坐标。
package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/voltra/chargeproof/internal/models"
)

// Client Nominatim 正向地理编码客户端
// 公共实例限速 1 rps，结果按地址缓存。
type Client struct {
	httpClient *http.Client
	host       string

	mu          sync.Mutex
	cache       map[string]*models.Coordinates
	lastRequest time.Time
}

// NewClient 创建地理编码客户端
func NewClient(host string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		host:  host,
		cache: make(map[string]*models.Coordinates),
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode 地址转坐标；查不到时返回错误，调用方按住所未知处理
func (c *Client) Geocode(ctx context.Context, address string) (*models.Coordinates, error) {
	if address == "" {
		return nil, fmt.Errorf("empty address")
	}

	c.mu.Lock()
	if coords, ok := c.cache[address]; ok {
		c.mu.Unlock()
		return coords, nil
	}
	// 距上次请求不足 1s 则等待
	if wait := time.Second - time.Since(c.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqURL := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", c.host, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create geocode request: %w", err)
	}
	req.Header.Set("User-Agent", "chargeproof/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode failed: status=%d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("address not found: %s", address)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse longitude: %w", err)
	}

	coords := &models.Coordinates{Lat: lat, Lng: lng}
	c.mu.Lock()
	c.cache[address] = coords
	c.mu.Unlock()
	return coords, nil
}
