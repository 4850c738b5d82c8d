package useragent

import (
	"fmt"
	"os"
	"strings"

	"github.com/ua-parser/uap-go/uaparser"
	"go.uber.org/zap"
)

// Parser wraps the User-Agent parser with enhanced device type detection.
// Instances are safe for concurrent use and are passed to consumers
// explicitly instead of through package-level state.
type Parser struct {
	parser *uaparser.Parser
	log    *zap.Logger
}

// DeviceInfo represents parsed device information
type DeviceInfo struct {
	DeviceType string // mobile, desktop, tablet, bot, unknown
	Browser    string // Chrome, Firefox, Safari, etc.
	OS         string // Windows, iOS, Android, etc.
	Raw        string // Original User-Agent string
}

// NewParser creates a new User-Agent parser from a regexes.yaml file
func NewParser(regexFilePath string, log *zap.Logger) (*Parser, error) {
	regexBytes, err := os.ReadFile(regexFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read regexes file %s: %w", regexFilePath, err)
	}

	parser, err := uaparser.NewFromBytes(regexBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create User-Agent parser: %w", err)
	}

	log.Info("User-Agent parser initialized successfully", zap.String("regexes_file", regexFilePath))

	return &Parser{
		parser: parser,
		log:    log,
	}, nil
}

// NewParserFromDefaults creates a parser from the definitions compiled into
// the uap-go library. Used when no regexes file is shipped with the binary.
func NewParserFromDefaults(log *zap.Logger) *Parser {
	log.Info("User-Agent parser initialized from built-in definitions")

	return &Parser{
		parser: uaparser.NewFromSaved(),
		log:    log,
	}
}

// ParseUserAgent parses a User-Agent string and returns detailed device information
func (p *Parser) ParseUserAgent(userAgent string) *DeviceInfo {
	if userAgent == "" {
		return &DeviceInfo{
			DeviceType: "unknown",
			Browser:    "unknown",
			OS:         "unknown",
			Raw:        "",
		}
	}

	client := p.parser.Parse(userAgent)

	deviceInfo := &DeviceInfo{
		Browser: formatFamily(client.UserAgent.Family),
		OS:      formatFamily(client.Os.Family),
		Raw:     userAgent,
	}

	// Determine device type based on parsed information
	deviceInfo.DeviceType = p.determineDeviceType(client, userAgent)

	p.log.Debug("parsed User-Agent",
		zap.String("user_agent", userAgent),
		zap.String("device_type", deviceInfo.DeviceType),
		zap.String("browser", deviceInfo.Browser),
		zap.String("os", deviceInfo.OS),
	)

	return deviceInfo
}

// determineDeviceType determines the device type based on parsed client info and raw User-Agent
func (p *Parser) determineDeviceType(client *uaparser.Client, userAgent string) string {
	// Check for bots first
	if p.isBot(client, userAgent) {
		return "bot"
	}

	// Check if device family indicates mobile/tablet
	deviceFamily := client.Device.Family
	if deviceFamily != "" && deviceFamily != "Other" {
		if p.isTablet(deviceFamily) {
			return "tablet"
		}
		if p.isMobile(deviceFamily) {
			return "mobile"
		}
	}

	// Check OS family for mobile indicators
	osFamily := client.Os.Family
	if p.isMobileOS(osFamily) {
		// Further distinguish between mobile and tablet based on OS details
		if p.isTabletOS(osFamily, userAgent) {
			return "tablet"
		}
		return "mobile"
	}

	// Default to desktop for desktop operating systems
	if p.isDesktopOS(osFamily) {
		return "desktop"
	}

	// Fallback to unknown
	return "unknown"
}

// isBot checks if the User-Agent represents a bot/crawler
func (p *Parser) isBot(client *uaparser.Client, userAgent string) bool {
	uaFamily := client.UserAgent.Family
	botIndicators := []string{
		"Googlebot", "Bingbot", "Slurp", "DuckDuckBot", "Baiduspider",
		"YandexBot", "facebookexternalhit", "Twitterbot", "LinkedInBot",
		"WhatsApp", "Telegram", "SkypeUriPreview", "bot", "crawler",
		"spider", "scraper",
	}

	for _, indicator := range botIndicators {
		if contains(uaFamily, indicator) || contains(userAgent, indicator) {
			return true
		}
	}

	return false
}

// isMobile checks if the device is a mobile phone
func (p *Parser) isMobile(deviceFamily string) bool {
	mobileDevices := []string{
		"iPhone", "Android", "BlackBerry", "Windows Phone",
		"Mobile", "Phone",
	}

	for _, device := range mobileDevices {
		if contains(deviceFamily, device) {
			return true
		}
	}

	return false
}

// isTablet checks if the device is a tablet
func (p *Parser) isTablet(deviceFamily string) bool {
	tabletDevices := []string{
		"iPad", "Tablet", "Kindle", "Surface",
	}

	for _, device := range tabletDevices {
		if contains(deviceFamily, device) {
			return true
		}
	}

	return false
}

// isMobileOS checks if the OS is primarily mobile
func (p *Parser) isMobileOS(osFamily string) bool {
	mobileOS := []string{
		"iOS", "Android", "Windows Phone", "BlackBerry OS",
		"Firefox OS", "Sailfish OS",
	}

	for _, os := range mobileOS {
		if contains(osFamily, os) {
			return true
		}
	}

	return false
}

// isTabletOS checks if the OS/User-Agent indicates a tablet
func (p *Parser) isTabletOS(osFamily, userAgent string) bool {
	// iOS devices: differentiate iPad from iPhone
	if contains(osFamily, "iOS") {
		return contains(userAgent, "iPad")
	}

	// Android tablets typically don't have "Mobile" in the User-Agent
	if contains(osFamily, "Android") {
		return !contains(userAgent, "Mobile")
	}

	return false
}

// isDesktopOS checks if the OS is a desktop operating system
func (p *Parser) isDesktopOS(osFamily string) bool {
	desktopOS := []string{
		"Windows", "Mac OS X", "macOS", "Linux", "Ubuntu",
		"Chrome OS", "FreeBSD", "OpenBSD", "NetBSD",
	}

	for _, os := range desktopOS {
		if contains(osFamily, os) {
			return true
		}
	}

	return false
}

// contains checks if a string contains a substring (case-insensitive)
func contains(str, substr string) bool {
	if str == "" || substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(str), strings.ToLower(substr))
}

// formatFamily replaces empty or unrecognized families with "unknown"
func formatFamily(s string) string {
	if s == "" || s == "Other" {
		return "unknown"
	}
	return s
}
