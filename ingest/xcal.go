package ingest

import (
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"

	"github.com/cyp0633/libitip/calendar"
)

// XCalNamespace is the RFC 6321 namespace.
const XCalNamespace = "urn:ietf:params:xml:ns:icalendar-2.0"

const (
	tagICalendar  = "icalendar"
	tagProperties = "properties"
	tagParameters = "parameters"
	tagComponents = "components"
)

// DecodeXCal reads an xCal document holding one vcalendar.
func DecodeXCal(r io.Reader) (*Calendar, error) {
	cal, err := ParseXCal(r)
	if err != nil {
		return nil, err
	}
	return FromICal(cal)
}

// ParseXCal converts an xCal document into its iCalendar form.
func ParseXCal(r io.Reader) (*ical.Calendar, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, calendar.Wrap(calendar.CodeInvalidData, err, "failed to parse xCal")
	}
	root := doc.Root()
	if root == nil || root.Tag != tagICalendar {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "invalid xCal root element")
	}
	if ns := root.NamespaceURI(); ns != "" && ns != XCalNamespace {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "unexpected xCal namespace %q", ns)
	}
	vcal := root.SelectElement("vcalendar")
	if vcal == nil {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "xCal document has no vcalendar")
	}
	comp, err := xcalComponent(vcal)
	if err != nil {
		return nil, err
	}
	return &ical.Calendar{Component: comp}, nil
}

func xcalComponent(el *etree.Element) (*ical.Component, error) {
	comp := ical.NewComponent(strings.ToUpper(el.Tag))
	if props := el.SelectElement(tagProperties); props != nil {
		for _, p := range props.ChildElements() {
			prop, err := xcalProperty(p)
			if err != nil {
				return nil, err
			}
			comp.Props.Add(prop)
		}
	}
	if children := el.SelectElement(tagComponents); children != nil {
		for _, c := range children.ChildElements() {
			child, err := xcalComponent(c)
			if err != nil {
				return nil, err
			}
			comp.Children = append(comp.Children, child)
		}
	}
	return comp, nil
}

func xcalProperty(el *etree.Element) (*ical.Prop, error) {
	prop := ical.NewProp(strings.ToUpper(el.Tag))
	var values []string
	for _, child := range el.ChildElements() {
		if child.Tag == tagParameters {
			for _, param := range child.ChildElements() {
				name := strings.ToUpper(param.Tag)
				for _, v := range param.ChildElements() {
					prop.Params.Add(name, strings.TrimSpace(v.Text()))
				}
			}
			continue
		}
		v, err := xcalValue(child)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prop.Name, err)
		}
		if child.Tag == "date" && prop.Params.Get(ical.ParamValue) == "" {
			prop.Params.Set(ical.ParamValue, "DATE")
		}
		if child.Tag == "period" {
			prop.Params.Set(ical.ParamValue, "PERIOD")
		}
		values = append(values, v)
	}
	prop.Value = strings.Join(values, ",")
	return prop, nil
}

func xcalValue(el *etree.Element) (string, error) {
	text := strings.TrimSpace(el.Text())
	switch el.Tag {
	case "text":
		return escapeText(el.Text()), nil
	case "date", "date-time":
		return compactTime(text), nil
	case "utc-offset":
		return strings.ReplaceAll(text, ":", ""), nil
	case "boolean":
		return strings.ToUpper(text), nil
	case "period":
		start := el.SelectElement("start")
		if start == nil {
			return "", calendar.Errorf(calendar.CodeInvalidData, "period without start")
		}
		if end := el.SelectElement("end"); end != nil {
			return compactTime(start.Text()) + "/" + compactTime(end.Text()), nil
		}
		if d := el.SelectElement("duration"); d != nil {
			return compactTime(start.Text()) + "/" + strings.TrimSpace(d.Text()), nil
		}
		return "", calendar.Errorf(calendar.CodeInvalidData, "period without end")
	case "recur":
		return xcalRecur(el), nil
	default:
		return text, nil
	}
}

// xcalRecur renders <recur> parts in document order, joining repeated parts
// into one list.
func xcalRecur(el *etree.Element) string {
	var order []string
	parts := map[string][]string{}
	for _, part := range el.ChildElements() {
		name := strings.ToUpper(part.Tag)
		value := strings.TrimSpace(part.Text())
		if name == "UNTIL" {
			value = compactTime(value)
		}
		if _, ok := parts[name]; !ok {
			order = append(order, name)
		}
		parts[name] = append(parts[name], value)
	}
	rule := make([]string, 0, len(order))
	for _, name := range order {
		rule = append(rule, name+"="+strings.Join(parts[name], ","))
	}
	return strings.Join(rule, ";")
}

// compactTime turns 2026-03-02T10:00:00Z into 20260302T100000Z.
func compactTime(v string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(v))
}

var textEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`)

func escapeText(v string) string {
	return textEscaper.Replace(v)
}
