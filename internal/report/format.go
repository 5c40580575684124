package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Class gates whether a value is shown. Lower case classes need a verbosity
// of one, upper case classes a verbosity of two. Always is shown even when
// zero; every other class hides zero and negative values.
type Class byte

const (
	Always   Class = 'a'
	Debug    Class = 'd'
	Conf     Class = 'c'
	ConfMore Class = 'C'
	Stat     Class = 's'
	StatMore Class = 'S'
	Time     Class = 't'
	TimeMore Class = 'T'
	Used     Class = 'u'
	UsedMore Class = 'U'
)

// Options control rendering.
type Options struct {
	Precision     int
	UnifyUnits    bool
	UnifyNodes    bool
	UseBitsPerSec bool
	VerboseConf   int
	VerboseStat   int
	VerboseTime   int
	VerboseUsed   int
	Debug         bool
}

// DefaultOptions shows three significant digits and no extra detail.
func DefaultOptions() Options {
	return Options{Precision: 3}
}

// Entry is one rendered result row.
type Entry struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
	Unit  string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Alt   string `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// Table collects entries in display order.
type Table struct {
	opts    Options
	Entries []Entry
}

// NewTable returns an empty table rendered with opts.
func NewTable(opts Options) *Table {
	if opts.Precision < 1 {
		opts.Precision = 1
	}

	return &Table{opts: opts}
}

func (t *Table) verbose(class Class, value float64) bool {
	if class == Always {
		return true
	}

	if value <= 0 {
		return false
	}

	switch class {
	case Debug:
		return t.opts.Debug
	case Conf:
		return t.opts.VerboseConf >= 1
	case Stat:
		return t.opts.VerboseStat >= 1
	case Time:
		return t.opts.VerboseTime >= 1
	case Used:
		return t.opts.VerboseUsed >= 1
	case ConfMore:
		return t.opts.VerboseConf >= 2
	case StatMore:
		return t.opts.VerboseStat >= 2
	case TimeMore:
		return t.opts.VerboseTime >= 2
	case UsedMore:
		return t.opts.VerboseUsed >= 2
	}

	return false
}

// scale divides value by 1000 until it drops below 1000 or the units run out.
func (t *Table) scale(value float64, units []string) (float64, string) {
	n := 0

	if !t.opts.UnifyUnits {
		for value >= 1000 && n < len(units)-1 {
			value /= 1000
			n++
		}
	}

	return value, units[n]
}

func (t *Table) place(pref, name, unit string, value float64) {
	t.Entries = append(t.Entries, Entry{
		Name:  pref + name,
		Value: FormatValue(value, t.opts.Precision),
		Unit:  unit,
	})
}

// Time adds a duration given in seconds.
func (t *Table) Time(class Class, pref, name string, seconds float64) {
	value := seconds * 1e9
	if !t.verbose(class, value) {
		return
	}

	value, unit := t.scale(value, []string{"ns", "us", "ms", "sec"})
	t.place(pref, name, unit, value)
}

// Rate adds a per second rate.
func (t *Table) Rate(class Class, pref, name string, value float64) {
	if !t.verbose(class, value) {
		return
	}

	value, unit := t.scale(value, []string{"/sec", "K/sec", "M/sec", "G/sec", "T/sec"})
	t.place(pref, name, unit, value)
}

// Bandwidth adds a byte rate, shown in bits when configured.
func (t *Table) Bandwidth(class Class, pref, name string, value float64) {
	if !t.verbose(class, value) {
		return
	}

	units := []string{"bytes/sec", "KB/sec", "MB/sec", "GB/sec", "TB/sec"}
	if t.opts.UseBitsPerSec {
		units = []string{"bits/sec", "Kb/sec", "Mb/sec", "Gb/sec", "Tb/sec"}
		value *= 8
	}

	value, unit := t.scale(value, units)
	t.place(pref, name, unit, value)
}

// Cost adds CPU seconds per GB.
func (t *Table) Cost(class Class, pref, name string, value float64) {
	value *= 1e9
	if !t.verbose(class, value) {
		return
	}

	value, unit := t.scale(value, []string{"ns/GB", "us/GB", "ms/GB", "sec/GB"})
	t.place(pref, name, unit, value)
}

// CPUs adds a fraction of one CPU as a percentage.
func (t *Table) CPUs(class Class, pref, name string, value float64) {
	value *= 100
	if !t.verbose(class, value) {
		return
	}

	t.place(pref, name, "% cpus", value)
}

// Long adds a count. Counts below a million are shown in full.
func (t *Table) Long(class Class, pref, name string, value uint64) {
	val := float64(value)
	if !t.verbose(class, val) {
		return
	}

	unit := ""
	if val >= 1e6 {
		val, unit = t.scale(val, []string{"", "thousand", "million", "billion", "trillion"})
	}

	t.place(pref, name, unit, val)
}

// Size adds a byte count. Exact multiples of a power of 1024 are shown in
// binary units with the exact byte count alongside.
func (t *Table) Size(class Class, pref, name string, value uint64) {
	val := float64(value)
	if !t.verbose(class, val) {
		return
	}

	if !t.opts.UnifyUnits && t.nice1024(pref, name, value) {
		return
	}

	val, unit := t.scale(val, []string{"bytes", "KB", "MB", "GB", "TB"})
	t.place(pref, name, unit, val)
}

func (t *Table) nice1024(pref, name string, value uint64) bool {
	units := []string{"KiB", "MiB", "GiB", "TiB"}

	if value < 1024 || value%1024 != 0 {
		return false
	}

	val := value / 1024
	n := 0

	for val >= 1024 && n < len(units)-1 {
		if val%1024 != 0 {
			return false
		}

		val /= 1024
		n++
	}

	t.Entries = append(t.Entries, Entry{
		Name:  pref + name,
		Value: humanize.Comma(int64(val)),   //nolint:gosec // G115: reduced by at least 1024
		Unit:  units[n],
		Alt:   humanize.Comma(int64(value)), //nolint:gosec // G115: byte counts fit in int64
	})

	return true
}

// String adds a text value. Empty strings count as zero.
func (t *Table) String(class Class, pref, name, value string) {
	present := 0.0
	if value != "" {
		present = 1
	}

	if !t.verbose(class, present) {
		return
	}

	t.Entries = append(t.Entries, Entry{Name: pref + name, Value: value})
}

// FormatValue renders value with at least precision significant digits,
// drops trailing fractional zeros and groups the integer part with commas.
func FormatValue(value float64, precision int) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Sprint(value)
	}

	data := fmt.Sprintf("%.0f", value)
	digits := len(strings.TrimPrefix(data, "-"))

	if n := precision - digits; n > 0 {
		data = fmt.Sprintf("%.*f", n, value)
		data = strings.TrimRight(data, "0")
		data = strings.TrimSuffix(data, ".")
	}

	return commify(data)
}

func commify(data string) string {
	intPart, frac, hasFrac := strings.Cut(data, ".")

	n, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return data
	}

	out := humanize.Comma(n)
	if n == 0 && strings.HasPrefix(intPart, "-") {
		out = "-0"
	}

	if hasFrac {
		out += "." + frac
	}

	return out
}
