package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSchemaYAML = `
field_mappings:
  key:
    lark_field: Issue Key
    processor: extract_ticket_link
  summary:
    lark_field: Summary
    processor: extract_simple
  status:
    lark_field: Status
    processor: extract_nested
    nested_path: name
  assignee:
    lark_field: Assignee
    processor: extract_user
  updated:
    lark_field: Updated
    processor: convert_datetime
  fixVersions:
    lark_field:
      - Fix Versions
      - Fix Version
    processor: extract_versions
    field_type: multiselect
  issuelinks:
    lark_field: Linked Issues
    processor: extract_links_filtered

excluded_fields:
  - description
`

// writeSchema writes a schema file into a temp dir and returns its path.
func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write schema file: %v", err)
	}
	return path
}

// TestLoad verifies a full schema file parses with both column forms.
func TestLoad(t *testing.T) {
	s, err := Load(writeSchema(t, testSchemaYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(s.Mappings) != 7 {
		t.Errorf("Mappings count = %d, want 7", len(s.Mappings))
	}

	status := s.Mappings["status"]
	if status.Processor != ProcNested {
		t.Errorf("status processor = %q, want %q", status.Processor, ProcNested)
	}
	if status.NestedPath != "name" {
		t.Errorf("status nested_path = %q, want name", status.NestedPath)
	}
	if got := status.SinkColumns; len(got) != 1 || got[0] != "Status" {
		t.Errorf("status lark_field = %v, want [Status]", got)
	}

	versions := s.Mappings["fixVersions"]
	if len(versions.SinkColumns) != 2 {
		t.Errorf("fixVersions candidates = %v, want 2 entries", versions.SinkColumns)
	}
	if !versions.Multiselect() {
		t.Error("fixVersions should be multiselect")
	}

	if !s.IsExcluded("description") {
		t.Error("description should be excluded")
	}
	if s.IsExcluded("summary") {
		t.Error("summary should not be excluded")
	}
}

// TestLoad_MissingFile verifies a nonexistent path fails.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

// TestLoad_InvalidSchemas verifies structural validation.
func TestLoad_InvalidSchemas(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "empty mappings",
			yaml:   "field_mappings: {}\n",
			errMsg: "must not be empty",
		},
		{
			name: "missing lark_field",
			yaml: `
field_mappings:
  summary:
    processor: extract_simple
`,
			errMsg: "lark_field is required",
		},
		{
			name: "nested without path",
			yaml: `
field_mappings:
  status:
    lark_field: Status
    processor: extract_nested
`,
			errMsg: "requires nested_path",
		},
		{
			name: "lark_field wrong type",
			yaml: `
field_mappings:
  summary:
    lark_field:
      nested: map
    processor: extract_simple
`,
			errMsg: "string or a list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSchema(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Error = %v, want substring %q", err, tt.errMsg)
			}
		})
	}
}

// TestColumns_Resolve verifies candidate resolution order.
func TestColumns_Resolve(t *testing.T) {
	available := map[string]bool{"Fix Version": true, "Status": true}

	tests := []struct {
		name string
		cols Columns
		want string
	}{
		{"first match wins", Columns{"Fix Versions", "Fix Version"}, "Fix Version"},
		{"single present", Columns{"Status"}, "Status"},
		{"none present", Columns{"Sprint"}, ""},
		{"empty", Columns{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cols.Resolve(available); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestSchema_SourceFields verifies the fetch list includes pipeline
// essentials and splits dotted keys.
func TestSchema_SourceFields(t *testing.T) {
	s := &Schema{
		Mappings: map[string]Mapping{
			"summary":     {SinkColumns: Columns{"Summary"}, Processor: ProcSimple},
			"status.name": {SinkColumns: Columns{"Status"}, Processor: ProcSimple},
		},
	}

	fields := s.SourceFields()
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}

	for _, want := range []string{"key", "id", "self", "updated", "summary", "status"} {
		if !set[want] {
			t.Errorf("SourceFields() missing %q, got %v", want, fields)
		}
	}
	if set["status.name"] {
		t.Errorf("SourceFields() should split dotted keys, got %v", fields)
	}
}

// TestSchema_TicketMapping verifies ticket-link mapping discovery.
func TestSchema_TicketMapping(t *testing.T) {
	s, err := Load(writeSchema(t, testSchemaYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	field, m, ok := s.TicketMapping()
	if !ok {
		t.Fatal("TicketMapping() not found")
	}
	if field != "key" {
		t.Errorf("TicketMapping() field = %q, want key", field)
	}
	if got := m.SinkColumns.Resolve(map[string]bool{"Issue Key": true}); got != "Issue Key" {
		t.Errorf("Ticket column = %q, want Issue Key", got)
	}

	none := &Schema{Mappings: map[string]Mapping{
		"summary": {SinkColumns: Columns{"Summary"}, Processor: ProcSimple},
	}}
	if _, _, ok := none.TicketMapping(); ok {
		t.Error("TicketMapping() should not find one when absent")
	}
}
