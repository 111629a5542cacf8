package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
)

// TestListFields_Paginated verifies the page_token cursor loop.
func TestListFields_Paginated(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" {
			fmt.Fprint(w, `{"code":0,"msg":"ok","data":{
				"items":[{"field_name":"Issue Key","type":15},{"field_name":"Summary","type":1}],
				"has_more":true,"page_token":"p2"}}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{
			"items":[{"field_name":"Status","type":3}],
			"has_more":false}}`)
	})

	fields, err := client.ListFields(context.Background(), "app1", "tbl1")
	if err != nil {
		t.Fatalf("ListFields() failed: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("ListFields() returned %d fields, want 3", len(fields))
	}
	if fields[2].Name != "Status" {
		t.Errorf("Last field = %q, want Status", fields[2].Name)
	}

	names, err := client.FieldNames(context.Background(), "app1", "tbl1")
	if err != nil {
		t.Fatalf("FieldNames() failed: %v", err)
	}
	if !names["Issue Key"] || !names["Summary"] || !names["Status"] {
		t.Errorf("FieldNames() = %v, missing expected columns", names)
	}
}

// TestScanRecords_Paginated verifies full-table pagination and the
// page_size parameter.
func TestScanRecords_Paginated(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("page_size"); got != "500" {
			t.Errorf("page_size = %q, want 500", got)
		}
		switch r.URL.Query().Get("page_token") {
		case "":
			fmt.Fprint(w, `{"code":0,"msg":"ok","data":{
				"items":[{"record_id":"rec1","fields":{"Issue Key":"TP-1"}}],
				"has_more":true,"page_token":"p2","total":2}}`)
		case "p2":
			fmt.Fprint(w, `{"code":0,"msg":"ok","data":{
				"items":[{"record_id":"rec2","fields":{"Issue Key":"TP-2"}}],
				"has_more":false,"total":2}}`)
		default:
			t.Errorf("Unexpected page_token %q", r.URL.Query().Get("page_token"))
		}
	})

	records, err := client.ScanRecords(context.Background(), "app1", "tbl1", nil)
	if err != nil {
		t.Fatalf("ScanRecords() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ScanRecords() returned %d records, want 2", len(records))
	}
	if records[0].RecordID != "rec1" || records[1].RecordID != "rec2" {
		t.Errorf("Record ids = %s,%s want rec1,rec2", records[0].RecordID, records[1].RecordID)
	}
}

// TestScanRecords_FieldSubset verifies the field_names filter parameter.
func TestScanRecords_FieldSubset(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("field_names"); got != `["Issue Key"]` {
			t.Errorf("field_names = %q, want [\"Issue Key\"]", got)
		}
		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{"items":[],"has_more":false}}`)
	})

	if _, err := client.ScanRecords(context.Background(), "app1", "tbl1", []string{"Issue Key"}); err != nil {
		t.Fatalf("ScanRecords() failed: %v", err)
	}
}

// TestCreateRecord verifies the create call shape and returned id.
func TestCreateRecord(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/open-apis/bitable/v1/apps/app1/tables/tbl1/records" {
			t.Errorf("Path = %q", r.URL.Path)
		}

		var payload struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if payload.Fields["Issue Key"] == nil {
			t.Error("Payload missing Issue Key field")
		}

		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{"record":{"record_id":"recNew"}}}`)
	})

	id, err := client.CreateRecord(context.Background(), "app1", "tbl1", map[string]any{
		"Issue Key": map[string]any{"text": "TP-1", "link": "https://jira.example.com/browse/TP-1"},
	})
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if id != "recNew" {
		t.Errorf("CreateRecord() = %q, want recNew", id)
	}
}

// TestUpdateRecord verifies the PUT call shape.
func TestUpdateRecord(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Method = %s, want PUT", r.Method)
		}
		if r.URL.Path != "/open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec42" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{"record":{"record_id":"rec42"}}}`)
	})

	err := client.UpdateRecord(context.Background(), "app1", "tbl1", "rec42", map[string]any{"Summary": "updated"})
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
}

// TestBatchCreate verifies id alignment with the input order.
func TestBatchCreate(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Records []struct {
				Fields map[string]any `json:"fields"`
			} `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}

		resp := struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				Records []map[string]string `json:"records"`
			} `json:"data"`
		}{}
		for i := range payload.Records {
			resp.Data.Records = append(resp.Data.Records, map[string]string{
				"record_id": fmt.Sprintf("rec%d", i+1),
			})
		}
		json.NewEncoder(w).Encode(resp)
	})

	rows := []map[string]any{
		{"Summary": "one"},
		{"Summary": "two"},
		{"Summary": "three"},
	}
	ids, err := client.BatchCreate(context.Background(), "app1", "tbl1", rows)
	if err != nil {
		t.Fatalf("BatchCreate() failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("BatchCreate() returned %d ids, want 3", len(ids))
	}
	if ids[0] != "rec1" || ids[2] != "rec3" {
		t.Errorf("Ids = %v, want aligned rec1..rec3", ids)
	}
}

// TestBatchCreate_CapEnforced verifies the hard 500-row limit.
func TestBatchCreate_CapEnforced(t *testing.T) {
	client, _ := newTestClient(t, nil)

	rows := make([]map[string]any, MaxBatchSize+1)
	for i := range rows {
		rows[i] = map[string]any{"Summary": "x"}
	}

	_, err := client.BatchCreate(context.Background(), "app1", "tbl1", rows)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Error = %v, want ErrBatchTooLarge", err)
	}
}

// TestBatchCreate_Empty verifies a no-op on zero rows.
func TestBatchCreate_Empty(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	ids, err := client.BatchCreate(context.Background(), "app1", "tbl1", nil)
	if err != nil {
		t.Fatalf("BatchCreate() failed: %v", err)
	}
	if ids != nil {
		t.Errorf("BatchCreate() = %v, want nil", ids)
	}
	if calls.Load() != 0 {
		t.Error("BatchCreate() should not call the API for zero rows")
	}
}

// TestBatchDelete_Chunks verifies deletes split at the 500 cap.
func TestBatchDelete_Chunks(t *testing.T) {
	var calls atomic.Int32
	var sizes []int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var payload struct {
			Records []string `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		sizes = append(sizes, len(payload.Records))
		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{}}`)
	})

	ids := make([]string, 1200)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec%d", i)
	}

	if err := client.BatchDelete(context.Background(), "app1", "tbl1", ids); err != nil {
		t.Fatalf("BatchDelete() failed: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("Calls = %d, want 3", n)
	}
	if len(sizes) == 3 && (sizes[0] != 500 || sizes[1] != 500 || sizes[2] != 200) {
		t.Errorf("Chunk sizes = %v, want [500 500 200]", sizes)
	}
}
