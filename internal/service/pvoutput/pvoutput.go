// Package pvoutput provides the PVOutput.org monitoring service
// implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/config"
	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// Extended parameter slots PVOutput accepts beyond the standard set.
const (
	extendedParamFirst = 7
	extendedParamLast  = 12
)

// NoopClient is a no-operation implementation of the MonitoringService
// interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Reading) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	baseURL    string
	lastUpdate time.Time
	mutex      sync.Mutex
	logger     zerolog.Logger
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		logger:     log.With().Str("component", "pvoutput").Logger(),
	}
}

// Connect establishes a connection to the service. For PVOutput this is a
// no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send uploads a reading to PVOutput. Fields absent from the reading are
// omitted from the request, never defaulted to zero.
func (c *Client) Send(ctx context.Context, reading *domain.Reading) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	if !c.canUpdate() {
		return nil // Skip update due to rate limiting
	}

	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)

	now := reading.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))
	params.Set("c1", "0")

	// v1: energy generated today, converted from kWh to Wh.
	if energy, ok := reading.EnergyTodayKWh(); ok {
		params.Set("v1", strconv.FormatFloat(energy*1000, 'f', 0, 64))
	}

	// v2: total PV string power in watts.
	if power, ok := reading.TotalPVPowerW(); ok {
		params.Set("v2", strconv.FormatFloat(power, 'f', 0, 64))
	}

	// v5: inverter ambient temperature.
	if c.config.PVOutput.UploadTemperature {
		if temp, ok := reading.TemperatureC(); ok {
			params.Set("v5", strconv.FormatFloat(temp, 'f', 1, 64))
		}
	}

	// v6: grid voltage.
	if c.config.PVOutput.UploadVoltage {
		if volt, ok := reading.GridVoltageV(); ok {
			params.Set("v6", strconv.FormatFloat(volt, 'f', 1, 64))
		}
	}

	c.addExtendedParams(params, reading)

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp()
	return nil
}

// addExtendedParams fills the optional v7..v12 slots from configured
// "Range.Field" references. A reference whose field is absent from the
// reading is skipped with a warning.
func (c *Client) addExtendedParams(params url.Values, reading *domain.Reading) {
	for slot, ref := range c.config.PVOutput.ExtendedParams {
		n, err := parseSlot(slot)
		if err != nil {
			c.logger.Warn().Err(err).Str("slot", slot).Msg("Invalid extended parameter slot")
			continue
		}

		parts := strings.SplitN(ref, ".", 2)
		if len(parts) != 2 {
			c.logger.Warn().Str("slot", slot).Str("ref", ref).Msg("Extended parameter reference must be Range.Field")
			continue
		}

		value, ok := reading.Values.Value(parts[0], parts[1])
		if !ok {
			c.logger.Warn().Str("slot", slot).Str("ref", ref).Msg("Extended parameter field not in reading, omitting")
			continue
		}

		params.Set(fmt.Sprintf("v%d", n), strconv.FormatFloat(value, 'f', -1, 64))
	}
}

// parseSlot accepts an extended parameter key as "v7" or "7".
func parseSlot(slot string) (int, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(slot)), "v")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a parameter number: %q", slot)
	}
	if n < extendedParamFirst || n > extendedParamLast {
		return 0, fmt.Errorf("parameter v%d outside v%d..v%d", n, extendedParamFirst, extendedParamLast)
	}
	return n, nil
}

// makeRequest makes an HTTP POST request to the PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		c.baseURL,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	// No resources to clean up for HTTP client
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return time.Since(c.lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = time.Now()
}
