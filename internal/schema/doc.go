// Package schema defines the field-mapping schema for the sync pipeline.
//
// # Overview
//
// The schema is a YAML file (schema.yaml by default) describing how source
// issue fields land in sink table columns. Each mapping names the sink
// column, the processor that converts the value, and processor parameters:
//
//	field_mappings:
//	  key:
//	    lark_field: Issue Key
//	    processor: extract_ticket_link
//	  status:
//	    lark_field: Status
//	    processor: extract_nested
//	    nested_path: name
//	  fixVersions:
//	    lark_field:
//	      - Fix Versions
//	      - Fix Version
//	    processor: extract_versions
//	    field_type: multiselect
//
//	excluded_fields:
//	  - description
//
// # Candidate Columns
//
// lark_field accepts either a single column name or an ordered candidate
// list. At sync time the first candidate that exists in the target table
// wins; a mapping with no surviving candidate is skipped for that table.
// This lets one schema serve tables whose column names drifted apart.
//
// # Processors
//
// The processor tag set is closed; see the fieldproc package for the
// conversion semantics of each tag.
package schema
