package images

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUploadURL = "https://api.cloudinary.com/v1_1"
	DefaultFolder    = "fabrom-uploads"
)

var ErrNotConfigured = errors.New("image hosting is not configured")

// Uploaded describes a hosted image.
type Uploaded struct {
	URL      string `json:"url"`
	PublicID string `json:"publicId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
}

// Cloudinary uploads images with a signed request.
type Cloudinary struct {
	cloudName string
	apiKey    string
	apiSecret string
	folder    string
	apiURL    string
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func NewCloudinary(cloudName, apiKey, apiSecret, folder string, logger *slog.Logger) *Cloudinary {
	if folder == "" {
		folder = DefaultFolder
	}
	return &Cloudinary{
		cloudName: cloudName,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		folder:    folder,
		apiURL:    defaultUploadURL,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
		now:       time.Now,
	}
}

// Configured reports whether credentials were supplied.
func (c *Cloudinary) Configured() bool {
	return c.cloudName != "" && c.apiKey != "" && c.apiSecret != ""
}

// sign computes the upload signature over the signed parameters.
func sign(folder string, timestamp int64, secret string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("folder=%s&timestamp=%d%s", folder, timestamp, secret)))
	return hex.EncodeToString(sum[:])
}

// Upload sends one image, encoded as a data URI, and returns where it is
// hosted.
func (c *Cloudinary) Upload(ctx context.Context, name string, data []byte) (*Uploaded, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if err := CheckSize(name, int64(len(data))); err != nil {
		return nil, err
	}

	ts := c.now().Unix()
	dataURI := "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
	form := url.Values{
		"file":      {dataURI},
		"folder":    {c.folder},
		"timestamp": {strconv.FormatInt(ts, 10)},
		"api_key":   {c.apiKey},
		"signature": {sign(c.folder, ts, c.apiSecret)},
	}

	endpoint := fmt.Sprintf("%s/%s/image/upload", c.apiURL, c.cloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary upload: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloudinary upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		SecureURL string `json:"secure_url"`
		PublicID  string `json:"public_id"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Format    string `json:"format"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse cloudinary response: %w", err)
	}

	c.logger.Info("image uploaded", "name", name, "public_id", result.PublicID)
	return &Uploaded{
		URL:      result.SecureURL,
		PublicID: result.PublicID,
		Width:    result.Width,
		Height:   result.Height,
		Format:   result.Format,
	}, nil
}
