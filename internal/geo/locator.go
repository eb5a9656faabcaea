// Package geo resolves client locations through external IP geolocation and
// reverse geocoding services. Lookups are best effort: callers treat any
// error as an unknown location.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/welldanyogia/authgate/internal/metrics"
	"github.com/welldanyogia/authgate/internal/repository"
)

// Location sources
const (
	SourceIP      = "ip"
	SourceClient  = "client"
	SourceUnknown = "unknown"
)

var (
	ErrPrivateAddress = errors.New("address is not publicly routable")
	ErrNotConfigured  = errors.New("lookup endpoint not configured")
	ErrLookupFailed   = errors.New("location lookup failed")
)

// Config configures an HTTPLocator
type Config struct {
	// IPLookupURL contains an {ip} placeholder, e.g.
	// http://ip-api.com/json/{ip}?fields=status,message,country,regionName,city,lat,lon
	IPLookupURL string
	// ReverseLookupURL contains {lat} and {lon} placeholders, e.g.
	// https://nominatim.openstreetmap.org/reverse?format=jsonv2&lat={lat}&lon={lon}
	ReverseLookupURL  string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// HTTPLocator queries JSON geolocation endpoints over HTTP
type HTTPLocator struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPLocator creates a locator. Outbound calls are rate limited to
// cfg.RequestsPerSecond; requests over budget wait until ctx expires.
func NewHTTPLocator(cfg Config, client *http.Client) *HTTPLocator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "authgate/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPLocator{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// LookupIP resolves the location of a public IP address
func (l *HTTPLocator) LookupIP(ctx context.Context, ip string) (loc *repository.Location, err error) {
	if l.cfg.IPLookupURL == "" {
		return nil, ErrNotConfigured
	}
	if !IsPublicIP(ip) {
		return nil, ErrPrivateAddress
	}
	defer observe("ip", time.Now(), &err)

	endpoint := strings.ReplaceAll(l.cfg.IPLookupURL, "{ip}", url.PathEscape(ip))
	var body ipAPIResponse
	if err := l.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, body.Message)
	}

	lat, lon := body.Lat, body.Lon
	return &repository.Location{
		City:      body.City,
		Region:    body.RegionName,
		Country:   body.Country,
		Latitude:  &lat,
		Longitude: &lon,
		Source:    SourceIP,
	}, nil
}

type reverseResponse struct {
	Error   string `json:"error"`
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
		State        string `json:"state"`
		Region       string `json:"region"`
		Country      string `json:"country"`
	} `json:"address"`
}

// ReverseGeocode turns client-supplied coordinates into a place name
func (l *HTTPLocator) ReverseGeocode(ctx context.Context, lat, lon float64) (loc *repository.Location, err error) {
	if l.cfg.ReverseLookupURL == "" {
		return nil, ErrNotConfigured
	}
	if !PlausibleCoordinates(lat, lon) {
		return nil, fmt.Errorf("%w: implausible coordinates", ErrLookupFailed)
	}
	defer observe("reverse", time.Now(), &err)

	endpoint := strings.NewReplacer(
		"{lat}", strconv.FormatFloat(lat, 'f', 6, 64),
		"{lon}", strconv.FormatFloat(lon, 'f', 6, 64),
	).Replace(l.cfg.ReverseLookupURL)

	var body reverseResponse
	if err := l.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	if body.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, body.Error)
	}

	a := body.Address
	city := firstNonEmpty(a.City, a.Town, a.Village, a.Municipality)
	region := firstNonEmpty(a.State, a.Region)
	if city == "" && region == "" && a.Country == "" {
		return nil, fmt.Errorf("%w: empty address", ErrLookupFailed)
	}
	return &repository.Location{
		City:      city,
		Region:    region,
		Country:   a.Country,
		Latitude:  &lat,
		Longitude: &lon,
		Source:    SourceClient,
	}, nil
}

func (l *HTTPLocator) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", l.cfg.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	return nil
}

func observe(kind string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = "error"
	}
	metrics.GeoLookupDuration.WithLabelValues(kind, result).Observe(time.Since(start).Seconds())
}

// IsPublicIP reports whether ip is a routable unicast address worth looking up
func IsPublicIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return !(parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() || parsed.IsMulticast())
}

// PlausibleCoordinates rejects out-of-range values and the 0,0 null island
// some clients send when positioning fails.
func PlausibleCoordinates(lat, lon float64) bool {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return !(lat == 0 && lon == 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
