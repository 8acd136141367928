package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate("test_seed")
	b := Generate("test_seed")
	if a != b {
		t.Fatalf("same seed produced different fingerprints:\n%+v\n%+v", a, b)
	}
}

func TestGenerate_DifferentSeeds(t *testing.T) {
	a := Generate("seed1")
	b := Generate("seed2")
	if a.MachineID == b.MachineID {
		t.Fatal("different seeds produced the same machine id")
	}
}

func TestGenerate_DerivedIDs(t *testing.T) {
	seed := "credential-42"
	fp := Generate(seed)

	machine := sha256.Sum256([]byte("machine-" + seed))
	if fp.MachineID != hex.EncodeToString(machine[:]) {
		t.Fatalf("MachineID = %q", fp.MachineID)
	}
	ide := sha256.Sum256([]byte("kiro-" + fp.IDEVersion + "-" + seed))
	if fp.IDEHash != hex.EncodeToString(ide[:]) {
		t.Fatalf("IDEHash = %q", fp.IDEHash)
	}

	h := sha256.Sum256([]byte(seed))
	if want := sdkVersions[int(h[0])%len(sdkVersions)]; fp.SDKVersion != want {
		t.Fatalf("SDKVersion = %q, want %q", fp.SDKVersion, want)
	}
	if want := 4 + int(h[8])%29; fp.HardwareConcurrency != want {
		t.Fatalf("HardwareConcurrency = %d, want %d", fp.HardwareConcurrency, want)
	}
	if want := -720 + (int(h[9])*256+int(h[10]))%1441; fp.TimezoneOffsetMinutes != want {
		t.Fatalf("TimezoneOffsetMinutes = %d, want %d", fp.TimezoneOffsetMinutes, want)
	}
}

func TestGenerate_FieldsFromTables(t *testing.T) {
	for i := 0; i < 200; i++ {
		fp := Generate(fmt.Sprintf("test_%d", i))
		checkFingerprint(t, fp)
	}
}

func checkFingerprint(t *testing.T, fp Fingerprint) {
	t.Helper()
	if !slices.Contains(sdkVersions, fp.SDKVersion) {
		t.Errorf("SDKVersion %q not in table", fp.SDKVersion)
	}
	if !slices.Contains(ideVersions, fp.IDEVersion) {
		t.Errorf("IDEVersion %q not in table", fp.IDEVersion)
	}
	if !slices.Contains(runtimeVersions, fp.RuntimeVersion) {
		t.Errorf("RuntimeVersion %q not in table", fp.RuntimeVersion)
	}
	if !slices.Contains(osVersions[fp.OSType], fp.OSVersion) {
		t.Errorf("OSVersion %q does not belong to %q", fp.OSVersion, fp.OSType)
	}
	if !slices.Contains(acceptLanguages, fp.AcceptLanguage) {
		t.Errorf("AcceptLanguage %q not in table", fp.AcceptLanguage)
	}
	if !slices.Contains(screenResolutions, fp.ScreenResolution) {
		t.Errorf("ScreenResolution %q not in table", fp.ScreenResolution)
	}
	if !slices.Contains(colorDepths, fp.ColorDepth) {
		t.Errorf("ColorDepth %d not in table", fp.ColorDepth)
	}
	if fp.HardwareConcurrency < 4 || fp.HardwareConcurrency > 32 {
		t.Errorf("HardwareConcurrency %d out of range", fp.HardwareConcurrency)
	}
	if fp.TimezoneOffsetMinutes < -720 || fp.TimezoneOffsetMinutes > 720 {
		t.Errorf("TimezoneOffsetMinutes %d out of range", fp.TimezoneOffsetMinutes)
	}
	if !hex64.MatchString(fp.MachineID) {
		t.Errorf("MachineID %q is not 64 lowercase hex chars", fp.MachineID)
	}
	if !hex64.MatchString(fp.IDEHash) {
		t.Errorf("IDEHash %q is not 64 lowercase hex chars", fp.IDEHash)
	}
}

func TestRandom(t *testing.T) {
	a, b := Random(), Random()
	checkFingerprint(t, a)
	if a.MachineID == b.MachineID {
		t.Fatal("two random fingerprints share a machine id")
	}
}

func TestUserAgent(t *testing.T) {
	fp := Fingerprint{
		SDKVersion:     "1.0.27",
		OSType:         "darwin",
		OSVersion:      "24.6.0",
		RuntimeVersion: "22.21.1",
		IDEVersion:     "0.8.0",
		MachineID:      "abc",
		AcceptLanguage: "en-US,en;q=0.9",
	}
	wantUA := "aws-sdk-js/1.0.27 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.27 m/E KiroIDE-0.8.0-abc"
	if got := fp.UserAgent(); got != wantUA {
		t.Fatalf("UserAgent:\n got %q\nwant %q", got, wantUA)
	}
	if got := fp.AmzUserAgent(); got != "aws-sdk-js/1.0.27 KiroIDE-0.8.0-abc" {
		t.Fatalf("AmzUserAgent = %q", got)
	}
	if got := fp.OSString(); got != "darwin#24.6.0" {
		t.Fatalf("OSString = %q", got)
	}

	h := http.Header{}
	fp.ApplyHeaders(h)
	if h.Get("User-Agent") != wantUA || h.Get("Accept-Language") != "en-US,en;q=0.9" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if !strings.HasPrefix(h.Get("X-Amz-User-Agent"), "aws-sdk-js/") {
		t.Fatalf("x-amz-user-agent missing: %v", h)
	}
}

func TestCache(t *testing.T) {
	c, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	a := c.Get("a")
	if a != Generate("a") {
		t.Fatal("cached fingerprint differs from Generate")
	}
	c.Get("b")
	c.Get("c")
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	c.Forget("c")
	if c.Len() != 1 {
		t.Fatalf("Len after Forget = %d, want 1", c.Len())
	}
}

func TestGenerateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(seed string) bool {
			return Generate(seed) == Generate(seed)
		},
		gen.AnyString(),
	))

	properties.Property("numeric fields stay in range", prop.ForAll(
		func(seed string) bool {
			fp := Generate(seed)
			return fp.HardwareConcurrency >= 4 && fp.HardwareConcurrency <= 32 &&
				fp.TimezoneOffsetMinutes >= -720 && fp.TimezoneOffsetMinutes <= 720
		},
		gen.AnyString(),
	))

	properties.Property("os version matches os type", prop.ForAll(
		func(seed string) bool {
			fp := Generate(seed)
			return slices.Contains(osVersions[fp.OSType], fp.OSVersion)
		},
		gen.AlphaString(),
	))

	properties.Property("distinct seeds give distinct machine ids", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return Generate(a).MachineID != Generate(b).MachineID
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
