// Package debugdump writes upstream request bodies to disk for inspection.
// Rejected requests are always dumped; accepted ones only while debug mode
// is on.
package debugdump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	badRequestDir = "400BAD"
	okRequestDir  = "200OK"

	// ToolsPath locates the tool definitions in an upstream request body.
	ToolsPath = "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools"
)

// Dumper writes request dumps under a base directory. A nil *Dumper
// writes nothing.
type Dumper struct {
	dir     string
	enabled atomic.Bool
	now     func() time.Time
}

// New creates a Dumper rooted at dir with debug mode set to enabled.
func New(dir string, enabled bool) *Dumper {
	d := &Dumper{dir: dir, now: time.Now}
	d.enabled.Store(enabled)
	return d
}

// SetEnabled toggles debug mode.
func (d *Dumper) SetEnabled(enabled bool) {
	if d.enabled.Swap(enabled) != enabled {
		log.Info().Bool("enabled", enabled).Msg("debug mode changed")
	}
}

// Enabled reports whether debug mode is on.
func (d *Dumper) Enabled() bool {
	return d != nil && d.enabled.Load()
}

// Dir returns the base directory.
func (d *Dumper) Dir() string {
	return d.dir
}

// DumpBadRequest saves a request the upstream rejected. It returns the
// written path.
func (d *Dumper) DumpBadRequest(model string, body []byte, errMsg string) (string, error) {
	if d == nil {
		return "", nil
	}
	trailer := fmt.Sprintf("\n\n// --- debug info ---\n// tools_length: %d bytes\n// error: %s", ToolsLength(body), errMsg)
	path, err := d.write(badRequestDir, model, "bad_request", body, trailer)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("saving bad request dump failed")
		return "", err
	}
	log.Info().Str("path", path).Str("model", model).Msg("bad request saved")
	return path, nil
}

// DumpOKRequest saves an accepted request when debug mode is on. It
// returns "" and no error when debug mode is off.
func (d *Dumper) DumpOKRequest(model string, body []byte) (string, error) {
	if !d.Enabled() {
		return "", nil
	}
	trailer := fmt.Sprintf("\n\n// --- debug info ---\n// tools_length: %d bytes", ToolsLength(body))
	path, err := d.write(okRequestDir, model, "ok_request", body, trailer)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("saving request dump failed")
		return "", err
	}
	log.Debug().Str("path", path).Str("model", model).Msg("request saved")
	return path, nil
}

func (d *Dumper) write(sub, model, suffix string, body []byte, trailer string) (string, error) {
	dir := filepath.Join(d.dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("debugdump: creating %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s_%s.json", timestamp(d.now()), safeModel(model), suffix)
	path := filepath.Join(dir, name)

	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		buf.Reset()
		buf.Write(body)
	}
	buf.WriteString(trailer)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return path, fmt.Errorf("debugdump: writing %s: %w", path, err)
	}
	return path, nil
}

// ToolsLength returns the compact serialized size in bytes of the tools
// array in an upstream request body, or 0 when absent or unparseable.
func ToolsLength(body []byte) int {
	if !gjson.ValidBytes(body) {
		return 0
	}
	tools := gjson.GetBytes(body, ToolsPath)
	if !tools.Exists() {
		return 0
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(tools.Raw)); err != nil {
		return len(tools.Raw)
	}
	return buf.Len()
}

func timestamp(t time.Time) string {
	return t.Format("20060102_150405") + fmt.Sprintf("_%03d", t.Nanosecond()/int(time.Millisecond))
}

func safeModel(model string) string {
	if model == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", `\`, "_").Replace(model)
}
