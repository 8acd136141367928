// Package fingerprint derives a stable client identity for each credential.
// The same seed always yields the same Fingerprint, so a credential keeps
// presenting one consistent device to the upstream across restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

var (
	sdkVersions     = []string{"1.0.20", "1.0.22", "1.0.24", "1.0.25", "1.0.27"}
	ideVersions     = []string{"0.3.0", "0.4.0", "0.5.0", "0.6.0", "0.7.0", "0.8.0"}
	runtimeVersions = []string{"18.20.4", "20.18.0", "22.11.0", "22.21.1"}
	osTypes         = []string{"darwin", "win32", "linux"}

	osVersions = map[string][]string{
		"darwin": {"24.0.0", "24.1.0", "24.2.0", "24.4.0", "24.6.0"},
		"win32":  {"10.0.19045", "10.0.22621", "10.0.22631"},
		"linux":  {"6.5.0", "6.8.0", "6.11.0"},
	}

	acceptLanguages = []string{
		"en-US,en;q=0.9",
		"en-GB,en;q=0.9",
		"zh-CN,zh;q=0.9,en;q=0.8",
		"ja-JP,ja;q=0.9,en;q=0.8",
		"de-DE,de;q=0.9,en;q=0.8",
		"fr-FR,fr;q=0.9,en;q=0.8",
	}

	screenResolutions = []string{"1920x1080", "2560x1440", "3840x2160", "1440x900", "2560x1600", "3024x1964"}
	colorDepths       = []int{24, 30, 32}
)

const (
	minHardwareConcurrency = 4
	maxHardwareConcurrency = 32
	minTimezoneOffset      = -720
	maxTimezoneOffset      = 720
)

// Fingerprint is an immutable simulated client environment.
type Fingerprint struct {
	SDKVersion            string `json:"sdkVersion"`
	OSType                string `json:"osType"`
	OSVersion             string `json:"osVersion"`
	RuntimeVersion        string `json:"nodeVersion"`
	IDEVersion            string `json:"kiroVersion"`
	IDEHash               string `json:"kiroHash"`
	AcceptLanguage        string `json:"acceptLanguage"`
	ScreenResolution      string `json:"screenResolution"`
	ColorDepth            int    `json:"colorDepth"`
	HardwareConcurrency   int    `json:"hardwareConcurrency"`
	TimezoneOffsetMinutes int    `json:"timezoneOffset"`
	MachineID             string `json:"machineId"`
}

// Generate derives a Fingerprint from seed. Each field is picked by one
// byte of sha256(seed).
func Generate(seed string) Fingerprint {
	h := sha256.Sum256([]byte(seed))

	osType := pick(osTypes, h[3])
	ideVersion := pick(ideVersions, h[1])

	return Fingerprint{
		SDKVersion:            pick(sdkVersions, h[0]),
		IDEVersion:            ideVersion,
		RuntimeVersion:        pick(runtimeVersions, h[2]),
		OSType:                osType,
		AcceptLanguage:        pick(acceptLanguages, h[4]),
		ScreenResolution:      pick(screenResolutions, h[5]),
		ColorDepth:            colorDepths[int(h[6])%len(colorDepths)],
		OSVersion:             pick(osVersions[osType], h[7]),
		HardwareConcurrency:   minHardwareConcurrency + int(h[8])%(maxHardwareConcurrency-minHardwareConcurrency+1),
		TimezoneOffsetMinutes: minTimezoneOffset + (int(h[9])*256+int(h[10]))%(maxTimezoneOffset-minTimezoneOffset+1),
		IDEHash:               sha256Hex("kiro-" + ideVersion + "-" + seed),
		MachineID:             sha256Hex("machine-" + seed),
	}
}

// Random returns a Fingerprint for a freshly generated seed.
func Random() Fingerprint {
	return Generate("random-" + uuid.NewString())
}

// UserAgent renders the User-Agent header value.
func (f Fingerprint) UserAgent() string {
	return fmt.Sprintf(
		"aws-sdk-js/%s ua/2.1 os/%s#%s lang/js md/nodejs#%s api/codewhispererstreaming#%s m/E KiroIDE-%s-%s",
		f.SDKVersion, f.OSType, f.OSVersion, f.RuntimeVersion, f.SDKVersion, f.IDEVersion, f.MachineID,
	)
}

// AmzUserAgent renders the x-amz-user-agent header value.
func (f Fingerprint) AmzUserAgent() string {
	return fmt.Sprintf("aws-sdk-js/%s KiroIDE-%s-%s", f.SDKVersion, f.IDEVersion, f.MachineID)
}

// OSString returns "os#version".
func (f Fingerprint) OSString() string {
	return f.OSType + "#" + f.OSVersion
}

// ApplyHeaders sets the identity headers on h.
func (f Fingerprint) ApplyHeaders(h http.Header) {
	h.Set("User-Agent", f.UserAgent())
	h.Set("x-amz-user-agent", f.AmzUserAgent())
	h.Set("Accept-Language", f.AcceptLanguage)
}

func pick(values []string, b byte) string {
	return values[int(b)%len(values)]
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
