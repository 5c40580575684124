package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name. The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatYAML, FormatJSON:
		return f, nil
	}

	return "", fmt.Errorf("unknown output format: %s", s)
}

// document is the machine readable form of one test.
type document struct {
	Test    string  `json:"test" yaml:"test"`
	Results []Entry `json:"results" yaml:"results"`
}

// Writer renders tables one test at a time.
type Writer struct {
	w      io.Writer
	format Format
	yaml   *yaml.Encoder
	json   *json.Encoder
}

// NewWriter returns a writer producing format on w.
func NewWriter(w io.Writer, format Format) *Writer {
	wr := &Writer{w: w, format: format}

	switch format {
	case FormatYAML:
		wr.yaml = yaml.NewEncoder(w)
		wr.yaml.SetIndent(2)
	case FormatJSON:
		wr.json = json.NewEncoder(w)
		wr.json.SetIndent("", "  ")
	case FormatText:
	}

	return wr
}

// Write renders the table of one test.
func (wr *Writer) Write(test string, t *Table) error {
	switch wr.format {
	case FormatYAML:
		return wr.yaml.Encode(document{Test: test, Results: t.Entries})
	case FormatJSON:
		return wr.json.Encode(document{Test: test, Results: t.Entries})
	case FormatText:
	}

	_, err := io.WriteString(wr.w, test+":\n"+t.Text())

	return err
}

// Close flushes any buffered output.
func (wr *Writer) Close() error {
	if wr.yaml != nil {
		return wr.yaml.Close()
	}

	return nil
}

// Text renders the rows aligned on the equals sign, with values that carry
// a unit right aligned.
func (t *Table) Text() string {
	nameLen, dataLen := 0, 0

	for _, e := range t.Entries {
		nameLen = max(nameLen, len(e.Name))

		if e.Unit != "" {
			dataLen = max(dataLen, len(e.Value))
		}
	}

	var b strings.Builder

	for _, e := range t.Entries {
		b.WriteString("    ")
		fmt.Fprintf(&b, "%-*s", nameLen, e.Name)

		if e.Unit != "" {
			fmt.Fprintf(&b, "  =  %*s %s", dataLen, e.Value, e.Unit)
		} else {
			fmt.Fprintf(&b, "  =  %s", e.Value)
		}

		if e.Alt != "" {
			fmt.Fprintf(&b, " (%s)", e.Alt)
		}

		b.WriteByte('\n')
	}

	return b.String()
}
