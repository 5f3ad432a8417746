package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"wind-telemetry-platform/shared/config"
)

// PointWriter is what the aggregation mirror needs from Influx.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

// Enabled reports whether all Influx settings are present.
func Enabled(cfg config.Config) bool {
	return cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
}

func New(cfg config.Config) (*Client, error) {
	if !Enabled(cfg) {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	timeoutSec := cfg.InfluxTimeoutMS / 1000
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSec))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	writeAPI := c.client.WriteAPIBlocking(c.org, c.bucket)
	return writeAPI.WritePoint(ctx, p)
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx ping failed")
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
