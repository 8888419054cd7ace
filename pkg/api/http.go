// Package api is the signed client for EcoFlow's open cloud HTTP API.
//
// Every public call returns nil on failure. Errors are logged here and never
// handed to the caller, who should treat nil as "no data right now".
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/auth"
	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/quota"
)

const (
	HostUS = "https://api-a.ecoflow.com"
	HostEU = "https://api-e.ecoflow.com"

	quotaAllPath     = "/iot-open/sign/device/quota/all"
	quotaPath        = "/iot-open/sign/device/quota"
	certificatePath  = "/iot-open/sign/certification"
	successCode      = "0"
	jsonContentType  = "application/json;charset=UTF-8"
	maxResponseBytes = 4 << 20
)

var ErrRequestFailed = errors.New("ecoflow api request failed")

type Response struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CertificateData is the broker login returned by the certification call.
type CertificateData struct {
	CertificateAccount  string `json:"certificateAccount"`
	CertificatePassword string `json:"certificatePassword"`
	URL                 string `json:"url"`
	Port                string `json:"port"`
	Protocol            string `json:"protocol"`
}

func (c *CertificateData) BrokerURL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.URL, c.Port)
}

type Client struct {
	httpClient *http.Client
	endpoint   string
	nonce      func() string
	now        func() time.Time
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoint pins the base URL regardless of the device location.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

func WithNonceSource(nonce func() string, now func() time.Time) Option {
	return func(c *Client) {
		c.nonce = nonce
		c.now = now
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: config.DefaultHTTPTimeout,
		},
		logger: log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func BaseURL(location config.Location) string {
	if location == config.LocationUS {
		return HostUS
	}
	return HostEU
}

// GetAllQuotas fetches the full telemetry snapshot of one device.
func (c *Client) GetAllQuotas(ctx context.Context, device *config.DeviceConfig) quota.Tree {
	params := map[string]interface{}{"sn": device.SerialNumber}

	var flat map[string]interface{}
	if err := c.execute(ctx, device, http.MethodGet, quotaAllPath, params, &flat); err != nil {
		c.deviceLogger(device).Warn().Err(err).Msg("Failed to get all quotas")
		return nil
	}
	return quota.Unflatten(flat)
}

// GetQuotas fetches the selected telemetry keys of one device.
func (c *Client) GetQuotas(ctx context.Context, quotaKeys []string, device *config.DeviceConfig) quota.Tree {
	keys := make([]interface{}, len(quotaKeys))
	for i, k := range quotaKeys {
		keys[i] = k
	}
	body := map[string]interface{}{
		"sn": device.SerialNumber,
		"params": map[string]interface{}{
			"quotas": keys,
		},
	}

	var flat map[string]interface{}
	if err := c.execute(ctx, device, http.MethodPost, quotaPath, body, &flat); err != nil {
		c.deviceLogger(device).Warn().Err(err).Strs("quotas", quotaKeys).Msg("Failed to get quotas")
		return nil
	}
	return quota.Unflatten(flat)
}

// AcquireCertificate fetches the broker credentials of the device's account.
func (c *Client) AcquireCertificate(ctx context.Context, device *config.DeviceConfig) *CertificateData {
	var cert CertificateData
	if err := c.execute(ctx, device, http.MethodGet, certificatePath, nil, &cert); err != nil {
		c.deviceLogger(device).Warn().Err(err).Msg("Failed to acquire MQTT certificate")
		return nil
	}
	return &cert
}

func (c *Client) execute(ctx context.Context, device *config.DeviceConfig, method, path string, params map[string]interface{}, out interface{}) error {
	signer := auth.NewSigner(device.AccessKey, device.SecretKey)
	if c.nonce != nil && c.now != nil {
		signer.WithNonceSource(c.nonce, c.now)
	}
	sign := signer.Sign(params)

	reqURL := c.baseURL(device) + path
	var body io.Reader
	if method == http.MethodGet {
		if query := encodeQuery(params); query != "" {
			reqURL += "?" + query
		}
	} else {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	req.Header.Set(auth.HeaderAccessKey, sign.AccessKey)
	req.Header.Set(auth.HeaderNonce, sign.Nonce)
	req.Header.Set(auth.HeaderTimestamp, sign.Timestamp)
	req.Header.Set(auth.HeaderSign, sign.Sign)

	c.deviceLogger(device).Debug().Str("method", method).Str("url", reqURL).Msg("Sending request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, string(data))
	}

	var envelope Response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if envelope.Code != successCode {
		return fmt.Errorf("%w: code=%s, message=%s", ErrRequestFailed, envelope.Code, envelope.Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrRequestFailed)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// encodeQuery escapes the same pairs the signature covers. The signature is
// computed over the unescaped values.
func encodeQuery(params map[string]interface{}) string {
	values := url.Values{}
	for _, p := range quota.Flatten(params) {
		values.Add(p.Key, p.Value)
	}
	return values.Encode()
}

func (c *Client) baseURL(device *config.DeviceConfig) string {
	if c.endpoint != "" {
		return c.endpoint
	}
	return BaseURL(device.Location)
}

func (c *Client) deviceLogger(device *config.DeviceConfig) *zerolog.Logger {
	l := c.logger.With().Str("device", device.Name).Str("sn", device.SerialNumber).Logger()
	return &l
}
