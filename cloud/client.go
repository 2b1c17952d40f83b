// Package cloud implements the vendor API client: account login, bound
// device discovery, and per-device status reads. The daemon consumes this
// API; it never implements the vendor side.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"printwatch/device"
)

// Region selects the vendor's cloud partition. Endpoints differ but the API
// surface is identical.
const (
	RegionGlobal = "global"
	RegionChina  = "china"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "printwatch/1.0"

	// maxBodySize caps response reads; status payloads are a few KB, device
	// lists under 100KB even for large fleets.
	maxBodySize = 1 << 20
)

const (
	loginPath   = "/v1/user-service/user/login"
	profilePath = "/v1/user-service/my/profile"
	bindPath    = "/v1/iot-service/api/user/bind"
	printPath   = "/v1/iot-service/api/user/print"
)

// APIBase returns the REST endpoint for a region.
func APIBase(region string) string {
	if strings.EqualFold(region, RegionChina) {
		return "https://api.bambulab.cn"
	}
	return "https://api.bambulab.com"
}

// MQTTBroker returns the report broker URL for a region.
func MQTTBroker(region string) string {
	if strings.EqualFold(region, RegionChina) {
		return "ssl://cn.mqtt.bambulab.com:8883"
	}
	return "ssl://us.mqtt.bambulab.com:8883"
}

// Config carries client construction options. Zero values get defaults;
// BaseURL overrides the region-derived endpoint (tests point it at a local
// server).
type Config struct {
	Region    string
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client is a stateless HTTP client for the vendor API. Credentials are
// passed per call; the session manager owns their lifecycle. Safe for
// concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewClient builds a client for one cloud partition.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = APIBase(cfg.Region)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:   base,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
	}
}

// Credential is an issued bearer token plus the metadata needed to decide
// when it must be refreshed.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UID          int64     `json:"uid"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Usable reports whether the credential can still authenticate a request
// margin from now. A zero expiry means the cloud reported none; such tokens
// are used until rejected.
func (c Credential) Usable(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// MQTTUsername returns the broker username derived from the account UID.
func (c Credential) MQTTUsername() string {
	return fmt.Sprintf("u_%d", c.UID)
}

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type profileResponse struct {
	UID  int64  `json:"uid"`
	Name string `json:"name"`
}

type bindResponse struct {
	Devices []struct {
		DevID          string `json:"dev_id"`
		Name           string `json:"name"`
		Online         bool   `json:"online"`
		DevProductName string `json:"dev_product_name"`
	} `json:"devices"`
}

// Login exchanges account credentials for a bearer token and resolves the
// account UID in the same call so callers get a complete Credential.
func (c *Client) Login(ctx context.Context, account, password string) (Credential, error) {
	const op = "login"
	body, err := json.Marshal(loginRequest{Account: account, Password: password})
	if err != nil {
		return Credential{}, &TransientError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &TransientError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var parsed loginResponse
	if err := c.do(req, op, "", &parsed); err != nil {
		return Credential{}, err
	}
	if parsed.AccessToken == "" {
		return Credential{}, &TransientError{Op: op, Err: fmt.Errorf("empty access token in response")}
	}
	now := time.Now()
	cred := Credential{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		IssuedAt:     now,
	}
	if parsed.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	uid, err := c.profileUID(ctx, cred.AccessToken)
	if err != nil {
		return Credential{}, err
	}
	cred.UID = uid
	return cred, nil
}

func (c *Client) profileUID(ctx context.Context, token string) (int64, error) {
	const op = "profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+profilePath, nil)
	if err != nil {
		return 0, &TransientError{Op: op, Err: err}
	}
	var parsed profileResponse
	if err := c.do(req, op, token, &parsed); err != nil {
		return 0, err
	}
	return parsed.UID, nil
}

// ListDevices returns every printer bound to the account.
func (c *Client) ListDevices(ctx context.Context, token string) ([]device.Device, error) {
	const op = "list devices"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+bindPath, nil)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	var parsed bindResponse
	if err := c.do(req, op, token, &parsed); err != nil {
		return nil, err
	}
	devices := make([]device.Device, 0, len(parsed.Devices))
	for _, d := range parsed.Devices {
		if d.DevID == "" {
			continue
		}
		devices = append(devices, device.Device{
			ID:     d.DevID,
			Name:   d.Name,
			Model:  d.DevProductName,
			Online: d.Online,
		})
	}
	return devices, nil
}

// DeviceStatus reads one device's current status and converts it to a
// snapshot. A 404 means the device is no longer bound and polling for it
// should stop.
func (c *Client) DeviceStatus(ctx context.Context, token, deviceID string) (*device.Snapshot, error) {
	const op = "device status"
	u := c.baseURL + printPath + "?dev_id=" + url.QueryEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	var parsed statusResponse
	if err := c.do(req, op, token, &parsed); err != nil {
		if IsNotFound(err) {
			// Re-wrap so the log line names which device disappeared.
			return nil, &NotFoundError{Op: op, DeviceID: deviceID}
		}
		return nil, err
	}
	return parsed.snapshot(deviceID, time.Now().UTC()), nil
}

// do sends the request, classifies failures, and decodes a 200 body into
// out. Body reads are capped at maxBodySize.
func (c *Client) do(req *http.Request, op, token string, out interface{}) error {
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(op, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// classifyStatus maps a non-200 response onto the error taxonomy. Statuses
// outside the known set are treated as transient; retries are bounded
// either way and a surprise 4xx from the vendor should not kill a device.
func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Status: status}
	case status == http.StatusNotFound:
		return &NotFoundError{Op: op}
	default:
		return &TransientError{Op: op, Status: status}
	}
}
