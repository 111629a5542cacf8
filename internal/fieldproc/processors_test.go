package fieldproc

import (
	"context"
	"reflect"
	"testing"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/schema"
)

func testContext(rules map[string]config.LinkRule) *procContext {
	return &procContext{
		ctx:       context.Background(),
		serverURL: "https://jira.example.com",
		issueKey:  "TCG-100",
		linkRules: rules,
	}
}

func TestProcSimple(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "hello", "hello"},
		{"number", float64(42), float64(42)},
		{"bool", true, true},
		{"object to json", map[string]any{"a": "b"}, `{"a":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := procSimple(testContext(nil), tt.in, mapping{})
			if err != nil {
				t.Fatalf("procSimple() failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("procSimple(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcNested(t *testing.T) {
	m := mapping{NestedPath: "name"}
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"present", map[string]any{"name": "In Progress"}, "In Progress"},
		{"missing key", map[string]any{"id": "3"}, ""},
		{"nil value", nil, ""},
		{"non-object", "oops", ""},
		{"inner nil", map[string]any{"name": nil}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := procNested(testContext(nil), tt.in, m)
			if err != nil {
				t.Fatalf("procNested() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("procNested(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcUser_NoMapper(t *testing.T) {
	got, err := procUser(testContext(nil), map[string]any{"name": "alice"}, mapping{})
	if err != nil {
		t.Fatalf("procUser() failed: %v", err)
	}
	list, ok := got.([]any)
	if !ok || list == nil || len(list) != 0 {
		t.Errorf("procUser() without mapper = %v, want non-nil empty list", got)
	}
}

type stubMapper struct{ out []any }

func (s stubMapper) MapUser(context.Context, any) []any { return s.out }

func TestProcUser_WithMapper(t *testing.T) {
	pc := testContext(nil)
	pc.mapper = stubMapper{out: []any{map[string]any{"id": "ou_9"}}}

	got, err := procUser(pc, map[string]any{"name": "alice"}, mapping{})
	if err != nil {
		t.Fatalf("procUser() failed: %v", err)
	}
	want := []any{map[string]any{"id": "ou_9"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("procUser() = %v, want %v", got, want)
	}

	// nil input never reaches the mapper; person columns take [].
	got, _ = procUser(pc, nil, mapping{})
	if list, ok := got.([]any); !ok || len(list) != 0 {
		t.Errorf("procUser(nil) = %v, want empty list", got)
	}
}

func TestProcDatetime(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"source format", "2025-01-08T03:45:23.000+0000", int64(1736307923000)},
		{"unparseable", "not a time", nil},
		{"empty", "", nil},
		{"nil", nil, nil},
		{"non-string", float64(5), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := procDatetime(testContext(nil), tt.in, mapping{})
			if err != nil {
				t.Fatalf("procDatetime() failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("procDatetime(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcNamedList(t *testing.T) {
	components := []any{
		map[string]any{"name": "backend"},
		map[string]any{"name": "api"},
		map[string]any{"id": "7"}, // no name, skipped
	}

	got, err := procNamedList(testContext(nil), components, mapping{FieldType: "multiselect"})
	if err != nil {
		t.Fatalf("procNamedList() failed: %v", err)
	}
	if want := []string{"backend", "api"}; !reflect.DeepEqual(got, want) {
		t.Errorf("multiselect = %v, want %v", got, want)
	}

	got, _ = procNamedList(testContext(nil), components, mapping{})
	if got != "backend, api" {
		t.Errorf("text = %v, want %q", got, "backend, api")
	}

	// Empty input: multiselect gets [], text gets null.
	got, _ = procNamedList(testContext(nil), nil, mapping{FieldType: "multiselect"})
	if list, ok := got.([]string); !ok || len(list) != 0 {
		t.Errorf("empty multiselect = %v, want []", got)
	}
	got, _ = procNamedList(testContext(nil), []any{}, mapping{})
	if got != nil {
		t.Errorf("empty text = %v, want nil", got)
	}
}

func linksFixture() []any {
	return []any{
		map[string]any{
			"type":         map[string]any{"outward": "blocks", "inward": "is blocked by"},
			"outwardIssue": map[string]any{"key": "TCG-200"},
		},
		map[string]any{
			"type":        map[string]any{"outward": "relates to", "inward": "relates to"},
			"inwardIssue": map[string]any{"key": "OPS-5"},
		},
	}
}

func TestProcLinks(t *testing.T) {
	got, err := procLinks(testContext(nil), linksFixture(), mapping{FieldType: "multiselect"})
	if err != nil {
		t.Fatalf("procLinks() failed: %v", err)
	}
	if want := []string{"TCG-200", "OPS-5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("multiselect = %v, want %v", got, want)
	}

	got, _ = procLinks(testContext(nil), linksFixture(), mapping{})
	want := "blocks: https://jira.example.com/browse/TCG-200\n" +
		"relates to: https://jira.example.com/browse/OPS-5"
	if got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestProcLinksFiltered(t *testing.T) {
	off := false
	rules := map[string]config.LinkRule{
		"TCG": {DisplayLinkPrefixes: []string{"TCG"}},
		"OPS": {Enabled: &off, DisplayLinkPrefixes: []string{"NOPE"}},
	}

	// The current issue's prefix selects the rule; OPS-5 is filtered out.
	got, err := procLinksFiltered(testContext(rules), linksFixture(), mapping{FieldType: "multiselect"})
	if err != nil {
		t.Fatalf("procLinksFiltered() failed: %v", err)
	}
	if want := []string{"TCG-200"}; !reflect.DeepEqual(got, want) {
		t.Errorf("filtered = %v, want %v", got, want)
	}

	// Disabled rule passes everything through.
	pc := testContext(rules)
	pc.issueKey = "OPS-1"
	got, _ = procLinksFiltered(pc, linksFixture(), mapping{FieldType: "multiselect"})
	if want := []string{"TCG-200", "OPS-5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("disabled rule = %v, want %v", got, want)
	}

	// No rule for the prefix and no default: no filtering.
	pc = testContext(rules)
	pc.issueKey = "XYZ-1"
	got, _ = procLinksFiltered(pc, linksFixture(), mapping{FieldType: "multiselect"})
	if want := []string{"TCG-200", "OPS-5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("no rule = %v, want %v", got, want)
	}
}

func TestProcTicketLink(t *testing.T) {
	wantLink := map[string]any{
		"text": "TCG-100",
		"link": "https://jira.example.com/browse/TCG-100",
	}
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "TCG-100", wantLink},
		{"object with key", map[string]any{"key": "TCG-100"}, wantLink},
		{"list first element", []any{"TCG-100", "TCG-999"}, wantLink},
		{"object with id only", map[string]any{"id": "TCG-100"}, wantLink},
		{"nil", nil, nil},
		{"empty string", "  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := procTicketLink(testContext(nil), tt.in, mapping{})
			if err != nil {
				t.Fatalf("procTicketLink() failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("procTicketLink(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TCG-108387", "TCG"},
		{"ops-5", "OPS"},
		{"  TP-1  ", "TP"},
		{"nokey", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := keyPrefix(tt.in); got != tt.want {
			t.Errorf("keyPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistryCoversKnownTags(t *testing.T) {
	for _, tag := range []string{
		schema.ProcSimple, schema.ProcNested, schema.ProcUser,
		schema.ProcDatetime, schema.ProcComponents, schema.ProcVersions,
		schema.ProcLinks, schema.ProcLinksFiltered, schema.ProcTicketLink,
	} {
		if lookup(tag) == nil {
			t.Errorf("no processor registered for %s", tag)
		}
	}
}
