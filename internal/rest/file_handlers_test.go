package rest

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

func TestWriteFile(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_write")

	w := ts.do(t, http.MethodPut, "/v1/sandboxes/"+sb.ID+"/files?path=/root/hello.txt", []byte("hi there"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Path         string `json:"path"`
		BytesWritten int    `json:"bytes_written"`
		Batch        bool   `json:"batch"`
	}
	decodeJSON(t, w, &resp)
	if resp.Path != "/root/hello.txt" {
		t.Errorf("path = %q", resp.Path)
	}
	if resp.BytesWritten != len("hi there") {
		t.Errorf("bytes_written = %d, want %d", resp.BytesWritten, len("hi there"))
	}
	if resp.Batch {
		t.Error("batch = true without ?batch=true")
	}
}

func TestWriteFileMissingPath(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_write_nopath")

	w := ts.do(t, http.MethodPut, "/v1/sandboxes/"+sb.ID+"/files", []byte("data"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWriteFileRequiresRunningSandbox(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_write_stopped")
	ts.store.mu.Lock()
	ts.store.sandboxes[sb.ID].Status = store.SandboxStopped
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodPut, "/v1/sandboxes/"+sb.ID+"/files?path=/root/x", []byte("data"), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestReadFile(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_read")

	w := ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/files?path=/root/hello.txt", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if got := w.Body.String(); got != "file content" {
		t.Errorf("body = %q, want the node payload", got)
	}
}

func TestListFilesPagination(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_listfiles")

	files := make([]nodewire.FileEntry, 5)
	for i := range files {
		files[i] = nodewire.FileEntry{
			Name: fmt.Sprintf("f%d.txt", i),
			Path: fmt.Sprintf("/root/f%d.txt", i),
			Type: "file",
		}
	}
	ts.nodes.listFilesFn = func() *nodewire.FileList {
		return &nodewire.FileList{Files: files}
	}

	w := ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/files?path=/root&list=true&limit=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var page struct {
		Files      []nodewire.FileEntry `json:"files"`
		NextCursor string               `json:"next_cursor"`
	}
	decodeJSON(t, w, &page)
	if len(page.Files) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Files))
	}
	if page.NextCursor != "/root/f1.txt" {
		t.Errorf("next_cursor = %q, want /root/f1.txt", page.NextCursor)
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/files?path=/root&list=true&limit=2&cursor=/root/f1.txt", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second page status = %d", w.Code)
	}
	decodeJSON(t, w, &page)
	if len(page.Files) != 2 || page.Files[0].Path != "/root/f2.txt" {
		t.Errorf("second page = %+v", page.Files)
	}

	// Last page has no cursor.
	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/files?path=/root&list=true&limit=2&cursor=/root/f3.txt", nil, nil)
	decodeJSON(t, w, &page)
	if len(page.Files) != 1 || page.NextCursor != "" {
		t.Errorf("last page = %+v next_cursor = %q", page.Files, page.NextCursor)
	}
}

func TestDeleteFile(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_delfile")

	w := ts.do(t, http.MethodDelete, "/v1/sandboxes/"+sb.ID+"/files?path=/root/hello.txt", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	decodeJSON(t, w, &resp)
	if !resp.OK {
		t.Error("ok = false")
	}
}
