package schedlat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Telemetry reads thermal and cpufreq state for the measured core
// from sysfs. All reads degrade to zero values on failure; each
// failing source is logged once per session rather than on every
// poll.
type Telemetry struct {
	root   string
	core   int
	warned sync.Map
}

// NewTelemetry returns a reader for the given core rooted at /sys.
func NewTelemetry(core int) *Telemetry {
	return &Telemetry{root: "/sys", core: core}
}

// NewTelemetryAt roots the reader at an alternate sysfs path, for
// tests.
func NewTelemetryAt(root string, core int) *Telemetry {
	return &Telemetry{root: root, core: core}
}

func (t *Telemetry) warnOnce(source string, err error) {
	if _, seen := t.warned.LoadOrStore(source, true); !seen {
		grip.Warning(message.Fields{
			"op":     "telemetry",
			"source": source,
			"error":  err.Error(),
		})
	}
}

func (t *Telemetry) readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "problem reading %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

// Thermal returns the package temperature in milli-degrees Celsius,
// or zero when unreadable.
func (t *Telemetry) Thermal() int64 {
	path := filepath.Join(t.root, "class", "thermal", "thermal_zone0", "temp")
	raw, err := t.readFile(path)
	if err != nil {
		t.warnOnce("thermal", err)
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		t.warnOnce("thermal", errors.Wrapf(err, "problem parsing %s", path))
		return 0
	}
	return val
}

func (t *Telemetry) cpufreqPath(name string) string {
	return filepath.Join(t.root, "devices", "system", "cpu",
		fmt.Sprintf("cpu%d", t.core), "cpufreq", name)
}

// Governor returns the active cpufreq governor, or an empty string
// when unreadable.
func (t *Telemetry) Governor() string {
	raw, err := t.readFile(t.cpufreqPath("scaling_governor"))
	if err != nil {
		t.warnOnce("governor", err)
		return ""
	}
	return raw
}

// FreqKHz returns the current core frequency in kHz, or zero when
// unreadable.
func (t *Telemetry) FreqKHz() int64 {
	path := t.cpufreqPath("scaling_cur_freq")
	raw, err := t.readFile(path)
	if err != nil {
		t.warnOnce("cpufreq", err)
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		t.warnOnce("cpufreq", errors.Wrapf(err, "problem parsing %s", path))
		return 0
	}
	return val
}

// TelemetryReading is one timestamped set of telemetry values.
type TelemetryReading struct {
	ThermalMilliC int64
	Governor      string
	CPUFreqKHz    int64
	At            time.Time
}

// TelemetryCache debounces telemetry polls for subsystems that share
// a source. Readings older than the TTL are refreshed on access;
// Force bypasses the TTL. Pass the cache by reference to every
// consumer instead of keeping process-wide state.
type TelemetryCache struct {
	mu      sync.Mutex
	src     *Telemetry
	ttl     time.Duration
	reading TelemetryReading
}

// NewTelemetryCache wraps src with the given refresh TTL.
func NewTelemetryCache(src *Telemetry, ttl time.Duration) *TelemetryCache {
	return &TelemetryCache{src: src, ttl: ttl}
}

func (c *TelemetryCache) refresh() {
	c.reading = TelemetryReading{
		ThermalMilliC: c.src.Thermal(),
		Governor:      c.src.Governor(),
		CPUFreqKHz:    c.src.FreqKHz(),
		At:            time.Now(),
	}
}

// Reading returns the cached telemetry, refreshing it when stale.
func (c *TelemetryCache) Reading() TelemetryReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.reading.At) > c.ttl {
		c.refresh()
	}
	return c.reading
}

// Force refreshes regardless of age and returns the new reading.
func (c *TelemetryCache) Force() TelemetryReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh()
	return c.reading
}
