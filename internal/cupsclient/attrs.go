package cupsclient

import (
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"
)

func findAttrString(attrs goipp.Attributes, name string) string {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return a.Values[0].V.String()
		}
	}
	return ""
}

func findAttrInt(attrs goipp.Attributes, name string) int {
	for _, a := range attrs {
		if a.Name != name || len(a.Values) == 0 {
			continue
		}
		if v, ok := a.Values[0].V.(goipp.Integer); ok {
			return int(v)
		}
		n, _ := strconv.Atoi(a.Values[0].V.String())
		return n
	}
	return 0
}

func findAttrBool(attrs goipp.Attributes, name string) bool {
	for _, a := range attrs {
		if a.Name != name || len(a.Values) == 0 {
			continue
		}
		if v, ok := a.Values[0].V.(goipp.Boolean); ok {
			return bool(v)
		}
		return strings.EqualFold(strings.TrimSpace(a.Values[0].V.String()), "true")
	}
	return false
}

func findAttrStrings(attrs goipp.Attributes, name string) []string {
	for _, a := range attrs {
		if a.Name != name || len(a.Values) == 0 {
			continue
		}
		out := make([]string, 0, len(a.Values))
		for _, v := range a.Values {
			out = append(out, v.V.String())
		}
		return out
	}
	return nil
}

// groupsWithTag returns the attribute sets of every group in msg carrying
// tag, in order. CUPS-Get-Printers and Get-Jobs responses carry one such
// group per object.
func groupsWithTag(msg *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	if msg == nil {
		return nil
	}
	var out []goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}

func statusOf(msg *goipp.Message) goipp.Status {
	if msg == nil {
		return goipp.StatusErrorInternal
	}
	return goipp.Status(msg.Code)
}

// successful mirrors the teacher CLI idiom: any status at or above
// StatusRedirectionOtherSite is an error/redirect, everything below is a
// successful (possibly qualified) "ok" response.
func successful(status goipp.Status) bool {
	return status < goipp.StatusRedirectionOtherSite
}
