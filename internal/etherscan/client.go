package etherscan

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"solcorpus/internal/config"
	"solcorpus/internal/errors"
	"solcorpus/internal/logging"
	"solcorpus/internal/retry"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	component     = "etherscan"
	userAgent     = "solcorpus/1.0"
	maxErrorBody  = 512
	maxBodyLength = 64 << 20
)

// response Etherscan 的通用响应。contract 模块使用 status/message/result，
// proxy 模块返回 JSON-RPC 结构（result 或 error）。
type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// resultText result 为字符串时返回其内容
func (r *response) resultText() string {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return ""
	}
	return s
}

// Stats 客户端调用统计
type Stats struct {
	Requests    int64 `json:"requests"`
	Failures    int64 `json:"failures"`
	RateLimited int64 `json:"rate_limited"`
}

// Client Etherscan API 客户端
type Client struct {
	apiURL     string
	apiKey     string
	chainID    uint64
	httpClient *http.Client
	limiter    *RateLimiter
	retrier    *retry.Retrier
	logger     *logrus.Logger

	requests    atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

// NewClient 创建客户端，限速器在该客户端的所有调用之间共享
func NewClient(cfg *config.EtherscanConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = 1
	}

	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		chainID:    chainID,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(cfg.RateLimitDelay),
		retrier:    retry.NewRetrier(retry.NetworkRetryConfig.WithMaxAttempts(cfg.MaxRetries), logger),
		logger:     logger,
	}
}

// Close 停止限速器
func (c *Client) Close() {
	c.limiter.Stop()
}

// Stats 返回调用统计
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		RateLimited: c.rateLimited.Load(),
	}
}

// call 带重试地调用一个 module/action
func (c *Client) call(ctx context.Context, module, action string, params url.Values) (*response, error) {
	return retry.Do(ctx, c.retrier, module+"."+action, func() (*response, error) {
		return c.do(ctx, module, action, params)
	})
}

// do 发送一次请求，请求前先经过限速器
func (c *Client) do(ctx context.Context, module, action string, params url.Values) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("chainid", strconv.FormatUint(c.chainID, 10))
	q.Set("module", module)
	q.Set("action", action)
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("构造请求失败: %v", err)).WithComponent(component)
	}
	req.Header.Set("User-Agent", userAgent)

	log := logging.RPCLogger(c.logger, action, c.apiURL)
	c.requests.Add(1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		if stderrors.Is(err, context.Canceled) {
			return nil, err
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, errors.SeverityMedium,
				"REQUEST_TIMEOUT", "请求超时").WithComponent(component)
		}
		return nil, errors.NewFetchError(component, "请求 Etherscan API 失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLength))
	if err != nil {
		c.failures.Add(1)
		return nil, errors.NewFetchError(component, "读取 Etherscan 响应失败", err)
	}
	log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Etherscan 调用完成")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.failures.Add(1)
		c.rateLimited.Add(1)
		return nil, errors.NewRateLimitError(component, "HTTP 429 Too Many Requests")
	case resp.StatusCode >= http.StatusInternalServerError:
		c.failures.Add(1)
		return nil, errors.NewFetchError(component,
			fmt.Sprintf("Etherscan 返回 %d: %s", resp.StatusCode, snippet(body)), nil)
	case resp.StatusCode != http.StatusOK:
		c.failures.Add(1)
		return nil, errors.NewExternalAPIError(component,
			fmt.Sprintf("Etherscan 返回 %d: %s", resp.StatusCode, snippet(body)), nil)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		c.failures.Add(1)
		return nil, errors.NewExternalAPIError(component, "解析 Etherscan JSON 失败", err)
	}

	if out.Status == "0" {
		text := out.resultText()
		if isRateLimitText(text) || isRateLimitText(out.Message) {
			c.failures.Add(1)
			c.rateLimited.Add(1)
			return nil, errors.NewRateLimitError(component, text)
		}
		if isAPIKeyText(text) {
			c.failures.Add(1)
			return nil, errors.NewExternalAPIError(component, text, nil)
		}
	}
	if out.Error != nil {
		c.failures.Add(1)
		return nil, errors.NewExternalAPIError(component,
			fmt.Sprintf("%s 返回错误 %d: %s", action, out.Error.Code, out.Error.Message), nil)
	}

	return &out, nil
}

// MetadataOf 获取地址的已验证源码元数据，不存在时返回 nil
func (c *Client) MetadataOf(ctx context.Context, address string) (*models.ContractMetadata, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.NewExternalAPIError(component, "空的地址传入 MetadataOf", nil)
	}

	resp, err := c.call(ctx, "contract", "getsourcecode", url.Values{"address": {address}})
	if err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		c.logger.WithField("address", address).Debugf("Etherscan 未返回元数据: %s", resp.resultText())
		return nil, nil
	}

	var results []models.ContractMetadata
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		return nil, errors.NewExternalAPIError(component, "元数据格式错误", err).WithAddress(address)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func isRateLimitText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") || strings.Contains(s, "too many")
}

func isAPIKeyText(s string) bool {
	return strings.Contains(strings.ToLower(s), "api key")
}

func snippet(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
