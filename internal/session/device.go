package session

import (
	"strings"

	"github.com/mssola/useragent"

	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/sanitizer"
)

// Device classes
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceBot     = "bot"
	DeviceUnknown = "unknown"
)

const maxFieldLength = 64

// DeviceParser derives a device descriptor from a User-Agent header. The
// header is client controlled, so every derived field is stripped of markup.
type DeviceParser struct {
	text *sanitizer.TextSanitizer
}

// NewDeviceParser creates a DeviceParser
func NewDeviceParser() *DeviceParser {
	return &DeviceParser{text: sanitizer.New()}
}

// Parse returns the device descriptor for a User-Agent string
func (p *DeviceParser) Parse(userAgent string) repository.Device {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return repository.Device{Browser: "Unknown", OS: "Unknown", Type: DeviceUnknown, Label: "Unknown device"}
	}

	ua := useragent.New(userAgent)
	name, version := ua.Browser()

	browser := p.clean(strings.TrimSpace(name + " " + majorVersion(version)))
	if browser == "" {
		browser = "Unknown"
	}
	os := p.clean(ua.OS())
	if os == "" {
		os = p.clean(ua.Platform())
	}
	if os == "" {
		os = "Unknown"
	}

	deviceType := DeviceDesktop
	switch {
	case ua.Bot():
		deviceType = DeviceBot
	case ua.Mobile():
		deviceType = DeviceMobile
	}

	label := p.clean(name)
	if label == "" {
		label = "Unknown browser"
	}
	return repository.Device{
		Browser: browser,
		OS:      os,
		Type:    deviceType,
		Label:   label + " on " + os,
	}
}

func (p *DeviceParser) clean(s string) string {
	return p.text.Text(s, maxFieldLength)
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}
