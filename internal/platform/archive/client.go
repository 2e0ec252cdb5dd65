// Package archive wraps the external image archive's REST surface. The
// archive owns the binary pixel data and addresses it by opaque internal
// identifiers; this client owns no state beyond its HTTP transport.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

var (
	ErrInstanceNotFound = errors.New("archive instance not found")
	ErrTimeout          = errors.New("archive request timed out")
	ErrUnreachable      = errors.New("archive unreachable")
)

// Config carries everything needed to reach one archive target. It is passed
// explicitly so tests and multi-archive deployments can construct clients
// against different endpoints.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds every request. The request path never retries; a slow
	// archive degrades to the next cascade step instead of blocking callers.
	Timeout time.Duration
	// RetryCount > 0 enables transparent retry with backoff. Only the
	// reconciliation path uses this; it runs off the request path and can
	// afford to wait out transient archive failures.
	RetryCount int
}

type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		c.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.RetryCount > 0 {
		c.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second)
	}
	return &Client{http: c, log: log}
}

// ListInstances returns one page of archive instance identifiers, starting
// at offset since. The archive's listing can be very large; callers walk it
// page by page rather than loading it wholesale.
func (c *Client) ListInstances(ctx context.Context, since, limit int) ([]string, error) {
	var ids []string
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since", fmt.Sprintf("%d", since)).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&ids).
		Get("/instances")
	if err != nil {
		return nil, c.transportErr("list instances", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("list instances: archive returned status %d", resp.StatusCode())
	}
	return ids, nil
}

// GetInstanceTags fetches the archive's tag dump for one instance and
// returns it as a typed projection.
func (c *Client) GetInstanceTags(ctx context.Context, archiveInstanceID string) (*InstanceTags, error) {
	var raw map[string]string
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get(fmt.Sprintf("/instances/%s/simplified-tags", archiveInstanceID))
	if err != nil {
		return nil, c.transportErr("get tags for "+archiveInstanceID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("get tags for %s: %w", archiveInstanceID, ErrInstanceNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get tags for %s: archive returned status %d", archiveInstanceID, resp.StatusCode())
	}
	return parseTags(raw), nil
}

// GetInstanceInfo fetches the archive's resource record for an instance,
// carrying its parent series identifier.
func (c *Client) GetInstanceInfo(ctx context.Context, archiveInstanceID string) (*InstanceInfo, error) {
	var info InstanceInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/instances/%s", archiveInstanceID))
	if err != nil {
		return nil, c.transportErr("get instance info "+archiveInstanceID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("get instance info %s: %w", archiveInstanceID, ErrInstanceNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get instance info %s: archive returned status %d", archiveInstanceID, resp.StatusCode())
	}
	return &info, nil
}

// GetSeriesInfo fetches the archive's resource record for a series,
// carrying its parent study identifier.
func (c *Client) GetSeriesInfo(ctx context.Context, archiveSeriesID string) (*SeriesInfo, error) {
	var info SeriesInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/series/%s", archiveSeriesID))
	if err != nil {
		return nil, c.transportErr("get series info "+archiveSeriesID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("get series info %s: %w", archiveSeriesID, ErrInstanceNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get series info %s: archive returned status %d", archiveSeriesID, resp.StatusCode())
	}
	return &info, nil
}

// GetRawInstance fetches the complete binary DICOM stream for an instance.
func (c *Client) GetRawInstance(ctx context.Context, archiveInstanceID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/dicom").
		Get(fmt.Sprintf("/instances/%s/file", archiveInstanceID))
	if err != nil {
		return nil, c.transportErr("get raw instance "+archiveInstanceID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("get raw instance %s: %w", archiveInstanceID, ErrInstanceNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get raw instance %s: archive returned status %d", archiveInstanceID, resp.StatusCode())
	}
	return resp.Body(), nil
}

// GetRenderedFrame asks the archive's own renderer for a single frame.
// Preferred over local decode because the archive applies vendor-specific
// corrections; any failure here makes the caller fall back to raw decode.
func (c *Client) GetRenderedFrame(ctx context.Context, archiveInstanceID string, frameIndex, quality int) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "image/png").
		SetQueryParam("quality", fmt.Sprintf("%d", quality)).
		Get(fmt.Sprintf("/instances/%s/frames/%d/rendered", archiveInstanceID, frameIndex))
	if err != nil {
		return nil, c.transportErr(fmt.Sprintf("render frame %d of %s", frameIndex, archiveInstanceID), err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("render frame %d of %s: %w", frameIndex, archiveInstanceID, ErrInstanceNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("render frame %d of %s: archive returned status %d", frameIndex, archiveInstanceID, resp.StatusCode())
	}
	return resp.Body(), nil
}

// transportErr classifies transport-level failures into the package error
// taxonomy so the cascade and the reconciler can tell a dead archive from a
// slow one.
func (c *Client) transportErr(op string, err error) error {
	kind := ErrUnreachable
	if isTimeout(err) {
		kind = ErrTimeout
	}
	c.log.Warn().Err(err).Str("op", op).Msg("archive request failed")
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
