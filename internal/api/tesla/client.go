package tesla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// 错误定义
var (
	ErrVehicleUnavailable = fmt.Errorf("vehicle unavailable")
	ErrRateLimited        = fmt.Errorf("rate limited")
	ErrUnauthorized       = fmt.Errorf("unauthorized")
)

// TokenResponse 刷新授权的响应
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Client Tesla API 客户端
// 多用户场景下不持有令牌，访问令牌由调用方逐请求传入。
type Client struct {
	httpClient *http.Client
	authHost   string
	apiHost    string
	clientID   string
}

// NewClient 创建 Tesla API 客户端
func NewClient(authHost, apiHost, clientID string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authHost: authHost,
		apiHost:  apiHost,
		clientID: clientID,
	}
}

// RefreshAccessToken 用 refresh token 换取新令牌对
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", c.clientID)
	data.Set("refresh_token", refreshToken)
	data.Set("scope", "openid email offline_access")

	req, err := http.NewRequestWithContext(ctx, "POST", c.authHost+"/oauth2/v3/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh token failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tokenResp, nil
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, accessToken, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chargeproof/1.0")

	return c.httpClient.Do(req)
}

// apiResponse 通用 API 响应结构
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// ListVehicles 获取车辆列表
func (c *Client) ListVehicles(ctx context.Context, accessToken string) ([]Vehicle, error) {
	resp, err := c.doRequest(ctx, accessToken, "GET", "/api/1/products")
	if err != nil {
		return nil, fmt.Errorf("list vehicles request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list vehicles failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// 解析产品列表，过滤出车辆
	var products []map[string]json.RawMessage
	if err := json.Unmarshal(apiResp.Response, &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	var vehicles []Vehicle
	for _, p := range products {
		if _, ok := p["vehicle_id"]; !ok {
			continue
		}
		data, _ := json.Marshal(p)
		var v Vehicle
		if err := json.Unmarshal(data, &v); err == nil {
			vehicles = append(vehicles, v)
		}
	}

	return vehicles, nil
}

// GetVehicleData 获取单台车辆的遥测快照
// 408（睡眠/不可达）与 429（限流）映射为哨兵错误，属预期状态而非故障。
func (c *Client) GetVehicleData(ctx context.Context, accessToken, deviceID string) (*VehicleData, error) {
	endpoints := "charge_state;drive_state;location_data"
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=%s", deviceID, url.QueryEscape(endpoints))

	resp, err := c.doRequest(ctx, accessToken, "GET", path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusRequestTimeout:
		return nil, ErrVehicleUnavailable
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get vehicle data failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var data VehicleData
	if err := json.Unmarshal(apiResp.Response, &data); err != nil {
		return nil, fmt.Errorf("decode vehicle data: %w", err)
	}

	return &data, nil
}
