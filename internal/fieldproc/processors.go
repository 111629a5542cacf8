package fieldproc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/schema"
)

func init() {
	register(schema.ProcSimple, procSimple)
	register(schema.ProcNested, procNested)
	register(schema.ProcUser, procUser)
	register(schema.ProcDatetime, procDatetime)
	register(schema.ProcComponents, procNamedList)
	register(schema.ProcVersions, procNamedList)
	register(schema.ProcLinks, procLinks)
	register(schema.ProcLinksFiltered, procLinksFiltered)
	register(schema.ProcTicketLink, procTicketLink)
}

// procSimple passes scalars through untouched and flattens objects to a
// JSON string so they still land in a text column.
func procSimple(_ *procContext, raw any, _ mapping) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string, bool, int, int64, float64, json.Number:
		return v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(data), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// procNested dereferences one key out of an object value. Nested fields
// always produce a string: a missing object, non-object value, or absent
// key all yield "" rather than null.
func procNested(pc *procContext, raw any, m mapping) (any, error) {
	if m.NestedPath == "" {
		return procSimple(pc, raw, m)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return "", nil
	}
	inner := obj[m.NestedPath]
	if inner == nil {
		return "", nil
	}
	return inner, nil
}

// procUser maps a source user object onto the sink's person column value.
// The result is always a list, empty when the user cannot be mapped;
// person columns reject null.
func procUser(pc *procContext, raw any, _ mapping) (any, error) {
	if raw == nil || pc.mapper == nil {
		return []any{}, nil
	}
	return pc.mapper.MapUser(pc.ctx, raw), nil
}

// procDatetime converts a source timestamp string to epoch milliseconds.
// Unparseable input degrades to null rather than failing the field.
func procDatetime(_ *procContext, raw any, _ mapping) (any, error) {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := jira.ParseTime(s)
	if err != nil {
		return nil, nil
	}
	return t.UnixMilli(), nil
}

// procNamedList extracts name fields from an array of objects, serving
// both component and version mappings. Multiselect columns take the name
// list; text columns take a comma-joined string, empty collapsing to null.
func procNamedList(_ *procContext, raw any, m mapping) (any, error) {
	if raw == nil {
		if m.Multiselect() {
			return []string{}, nil
		}
		return nil, nil
	}

	arr, ok := raw.([]any)
	if !ok {
		s := fmt.Sprintf("%v", raw)
		if m.Multiselect() {
			return []string{s}, nil
		}
		return s, nil
	}

	names := make([]string, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case map[string]any:
			if name, _ := v["name"].(string); name != "" {
				names = append(names, name)
			}
		case string:
			names = append(names, v)
		}
	}

	if m.Multiselect() {
		return names, nil
	}
	if len(names) == 0 {
		return nil, nil
	}
	return strings.Join(names, ", "), nil
}

// issueLink is one entry of the source's issuelinks array, covering both
// directions.
type issueLink struct {
	outwardKey  string
	inwardKey   string
	outwardType string
	inwardType  string
}

func parseLink(item any) (issueLink, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return issueLink{}, false
	}
	var l issueLink
	if out, ok := obj["outwardIssue"].(map[string]any); ok {
		l.outwardKey, _ = out["key"].(string)
	}
	if in, ok := obj["inwardIssue"].(map[string]any); ok {
		l.inwardKey, _ = in["key"].(string)
	}
	if typ, ok := obj["type"].(map[string]any); ok {
		l.outwardType, _ = typ["outward"].(string)
		l.inwardType, _ = typ["inward"].(string)
	}
	return l, true
}

// procLinks renders the issuelinks array. Multiselect columns get the
// linked issue keys; text columns get "<relation>: <url>" lines.
func procLinks(pc *procContext, raw any, m mapping) (any, error) {
	return renderLinks(pc, raw, m, nil)
}

// procLinksFiltered is procLinks restricted by the link display rules for
// the current issue's project prefix. A disabled rule or an empty
// allowlist shows everything.
func procLinksFiltered(pc *procContext, raw any, m mapping) (any, error) {
	rule, ok := pc.linkRules[keyPrefix(pc.issueKey)]
	if !ok {
		rule, ok = pc.linkRules["default"]
	}
	if !ok || !rule.IsEnabled() || len(rule.DisplayLinkPrefixes) == 0 {
		return renderLinks(pc, raw, m, nil)
	}

	allowed := make(map[string]bool, len(rule.DisplayLinkPrefixes))
	for _, p := range rule.DisplayLinkPrefixes {
		allowed[p] = true
	}
	return renderLinks(pc, raw, m, allowed)
}

// renderLinks produces the column value for a links mapping. allowed nil
// means no prefix filtering.
func renderLinks(pc *procContext, raw any, m mapping, allowed map[string]bool) (any, error) {
	if raw == nil || pc.serverURL == "" {
		if m.Multiselect() {
			return []string{}, nil
		}
		return nil, nil
	}

	arr, ok := raw.([]any)
	if !ok {
		s := fmt.Sprintf("%v", raw)
		if m.Multiselect() {
			return []string{s}, nil
		}
		return s, nil
	}

	pass := func(key string) bool {
		return allowed == nil || allowed[keyPrefix(key)]
	}

	if m.Multiselect() {
		keys := make([]string, 0, len(arr))
		for _, item := range arr {
			l, ok := parseLink(item)
			if !ok {
				continue
			}
			if l.outwardKey != "" && pass(l.outwardKey) {
				keys = append(keys, l.outwardKey)
			}
			if l.inwardKey != "" && pass(l.inwardKey) {
				keys = append(keys, l.inwardKey)
			}
		}
		return keys, nil
	}

	var lines []string
	for _, item := range arr {
		l, ok := parseLink(item)
		if !ok {
			continue
		}
		if l.outwardKey != "" && l.outwardType != "" && pass(l.outwardKey) {
			lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", l.outwardType, pc.serverURL, l.outwardKey))
		}
		if l.inwardKey != "" && l.inwardType != "" && pass(l.inwardKey) {
			lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", l.inwardType, pc.serverURL, l.inwardKey))
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return strings.Join(lines, "\n"), nil
}

var keyPrefixRe = regexp.MustCompile(`^([A-Z]+)-`)

// keyPrefix extracts the project prefix of an issue key (TCG-108387 → TCG).
func keyPrefix(key string) string {
	m := keyPrefixRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(key)))
	if m == nil {
		return ""
	}
	return m[1]
}

// procTicketLink turns the issue key into the sink's hyperlink cell
// value. The key may arrive as a plain string, an object carrying key or
// id, or the first element of a list.
func procTicketLink(pc *procContext, raw any, _ mapping) (any, error) {
	key := ticketKey(raw)
	if key == "" {
		return nil, nil
	}
	return map[string]any{
		"text": key,
		"link": fmt.Sprintf("%s/browse/%s", pc.serverURL, key),
	}, nil
}

func ticketKey(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if key, _ := v["key"].(string); key != "" {
			return key
		}
		if id, _ := v["id"].(string); id != "" {
			return id
		}
		return ""
	case []any:
		if len(v) == 0 {
			return ""
		}
		return ticketKey(v[0])
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
