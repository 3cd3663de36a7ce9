package telemetry

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/lai/datagate/units"
)

// ErrMalformed is returned when the ingest document is not well-formed XML.
var ErrMalformed = errors.New("malformed document")

// node is a namespace-agnostic XML element tree.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Inner    []byte     `xml:",innerxml"`
	Children []node     `xml:",any"`
}

// find returns the first descendant reached by following path, matching local names.
func (n *node) find(path ...string) *node {
	cur := n
	for _, name := range path {
		var next *node
		for i := range cur.Children {
			if cur.Children[i].XMLName.Local == name {
				next = &cur.Children[i]
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// text returns the trimmed text at path, or "" when absent.
func (n *node) text(path ...string) string {
	if c := n.find(path...); c != nil {
		return strings.TrimSpace(c.Text)
	}
	return ""
}

func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// collect appends every descendant named name, in document order.
func (n *node) collect(name string, out []*node) []*node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == name {
			out = append(out, c)
		}
		out = c.collect(name, out)
	}
	return out
}

func (n *node) raw() []byte {
	var b bytes.Buffer
	b.WriteString("<" + n.XMLName.Local + ">")
	b.Write(n.Inner)
	b.WriteString("</" + n.XMLName.Local + ">")
	return b.Bytes()
}

// ParseBatch decodes a Datagate document and extracts every AssetEvent in it.
// The whole document is decoded before any event is returned, so a syntax
// error anywhere rejects the batch. fallback is used for speeds without a
// units attribute or with an unknown one.
//
// A document without an encoding declaration, or declaring UTF-8, has its
// invalid byte sequences dropped before decoding.
func ParseBatch(r io.Reader, fallback units.Unit) ([]Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if isUTF8Label(declaredEncoding(data)) {
		data = bytes.ToValidUTF8(data, nil)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	var root node
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := expectEOF(dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	elems := root.collect("AssetEvent", nil)
	events := make([]Event, 0, len(elems))
	for _, el := range elems {
		events = append(events, parseEvent(el, fallback))
	}
	return events, nil
}

var encodingDecl = regexp.MustCompile(`encoding\s*=\s*["']([^"']*)["']`)

// declaredEncoding returns the encoding label of the XML declaration, or ""
// when there is none.
func declaredEncoding(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(data, []byte("<?xml")) {
		return ""
	}
	end := bytes.Index(data, []byte("?>"))
	if end < 0 {
		return ""
	}
	m := encodingDecl.FindSubmatch(data[:end])
	if m == nil {
		return ""
	}
	return string(m[1])
}

func isUTF8Label(label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

// expectEOF rejects anything but whitespace, comments and processing
// instructions after the root element.
func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return errors.New("junk after document element")
			}
		case xml.Comment, xml.ProcInst:
		default:
			return errors.New("junk after document element")
		}
	}
}

func parseEvent(ev *node, fallback units.Unit) Event {
	e := Event{
		AssetName: ev.text("AssetDescription"),
		RXTime:    ev.text("RXTime"),
		GMTTime:   ev.text("GMTTime"),
		GPSValid:  strings.EqualFold(ev.text("GPS", "Valid"), "true"),
		Latitude:  parseFloat(ev.text("GPS", "Latitude")),
		Longitude: parseFloat(ev.text("GPS", "Longitude")),
		Altitude:  parseFloat(firstNonEmpty(ev.text("GPS", "Altitude"), ev.text("Telemetry", "Altitude"))),
		Satellites: parseInt(firstNonEmpty(
			ev.text("GPS", "Satellites"),
			ev.text("Telemetry", "Satellites"),
		)),
		BatteryLevel: parseTruncInt(firstNonEmpty(
			ev.text("Telemetry", "BatteryLevel"),
			ev.text("Telemetry", "Battery"),
			ev.text("Telemetry", "ExtBattery"),
		)),
		Raw: ev.raw(),
	}

	e.SpeedUnitTag = string(fallback)
	e.SpeedUnit = fallback
	if sp := ev.find("Telemetry", "Speed"); sp != nil {
		e.SpeedRaw = parseFloat(strings.TrimSpace(sp.Text))
		if tag := sp.attr("units"); tag != "" {
			e.SpeedUnitTag = tag
			e.SpeedUnit = units.ParseUnit(tag, fallback)
		}
	}

	if h := parseFloat(ev.text("Telemetry", "Heading")); h != nil {
		d := units.NormalizeHeading(*h)
		e.HeadingDeg = &d
	}
	return e
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// parseTruncInt accepts decimal input and truncates toward zero.
func parseTruncInt(s string) *int {
	f := parseFloat(s)
	if f == nil || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	v := int(*f)
	return &v
}
