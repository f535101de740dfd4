package qlik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PermissionMarker is the Engine error code the platform uses when a
// token lacks access to the Engine API or the document.
const PermissionMarker = "QEP-104"

// Chart data paging defaults.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ObjectInfo identifies an Engine object.
type ObjectInfo struct {
	ID   string `json:"qId"`
	Type string `json:"qType"`
}

// ObjectMeta is the descriptive metadata attached to an Engine object.
type ObjectMeta struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Published   bool   `json:"published"`
}

// ListEntry is one item of an Engine object list (sheets, sheet children).
type ListEntry struct {
	Info ObjectInfo      `json:"qInfo"`
	Meta ObjectMeta      `json:"qMeta"`
	Data json.RawMessage `json:"qData,omitempty"`
}

type objectList struct {
	Items []ListEntry `json:"qItems"`
}

// HyperCubeSize is the column (qcx) by row (qcy) extent of a hypercube.
type HyperCubeSize struct {
	Cols int `json:"qcx"`
	Rows int `json:"qcy"`
}

type hyperCube struct {
	Size          HyperCubeSize   `json:"qSize"`
	DimensionInfo json.RawMessage `json:"qDimensionInfo"`
	MeasureInfo   json.RawMessage `json:"qMeasureInfo"`
}

type objectLayout struct {
	HyperCube *hyperCube `json:"qHyperCube"`
}

// ChartDataOptions control hypercube paging.
type ChartDataOptions struct {
	PageSize    int // rows per GetHyperCubeData call, clamped to [1, MaxPageSize]
	MaxRows     int // 0 means all rows
	IncludeMeta bool
}

// ChartMeta describes the dimensions and measures of a chart.
type ChartMeta struct {
	Dimensions json.RawMessage `json:"dimensions"`
	Measures   json.RawMessage `json:"measures"`
	Size       HyperCubeSize   `json:"size"`
}

// ChartData is the extracted matrix of a chart. Each row is the raw
// qMatrix row (an array of cells).
type ChartData struct {
	Rows      []json.RawMessage `json:"data"`
	TotalRows int               `json:"totalRows"`
	Meta      *ChartMeta        `json:"meta,omitempty"`
}

// OpenDoc connects to docID and opens it. A remote error reply becomes a
// KindUpstream error carrying the remote message.
func (s *Session) OpenDoc(ctx context.Context, docID string) error {
	if err := s.Connect(ctx, docID); err != nil {
		return err
	}

	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		return nil
	}

	resp, err := s.Call(ctx, "OpenDoc", docID)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &Error{Kind: KindUpstream, Op: "engine OpenDoc",
			Message: "OpenDoc failed: " + remoteMessage(resp.Error)}
	}

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

// GetSheets lists the sheets of the open document, following a handle
// reply through GetLayout when needed.
func (s *Session) GetSheets(ctx context.Context) ([]ListEntry, error) {
	raw, err := s.read(ctx, "GetSheets")
	if err != nil {
		return nil, err
	}
	return decodeObjectList("GetSheets", raw)
}

// GetSheetObjects lists the visualizations placed on sheetID.
func (s *Session) GetSheetObjects(ctx context.Context, sheetID string) ([]ListEntry, error) {
	raw, err := s.read(ctx, "GetSheetObjects", sheetID)
	if err != nil {
		return nil, err
	}
	return decodeObjectList("GetSheetObjects", raw)
}

// GetChartData reads the hypercube behind objectID page by page.
func (s *Session) GetChartData(ctx context.Context, objectID string, opts ChartDataOptions) (*ChartData, error) {
	raw, err := s.read(ctx, "GetObject", objectID)
	if err != nil {
		return nil, err
	}

	// The layout arrives either wrapped ({"layout": {...}}) or, after a
	// GetLayout dereference, bare.
	var obj struct {
		Layout *objectLayout `json:"layout"`
		objectLayout
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &Error{Kind: KindUpstream, Op: "engine GetObject", Message: "decode layout", Err: err}
	}
	hc := obj.HyperCube
	if obj.Layout != nil && obj.Layout.HyperCube != nil {
		hc = obj.Layout.HyperCube
	}
	if hc == nil {
		return nil, newError(KindUpstream, "engine GetObject", fmt.Sprintf("object %q does not have a hypercube", objectID))
	}

	// qSize comes from the engine; never trust it for allocation.
	total := max(hc.Size.Rows, 0)
	if opts.MaxRows > 0 {
		total = min(total, opts.MaxRows)
	}
	width := max(hc.Size.Cols, 1)
	pageSize := ClampPageSize(opts.PageSize)

	rows := make([]json.RawMessage, 0, min(total, pageSize))
	for top := 0; top < total; {
		height := min(pageSize, total-top)
		page := []map[string]int{{
			"qTop":    top,
			"qLeft":   0,
			"qWidth":  width,
			"qHeight": height,
		}}

		raw, err := s.read(ctx, "GetHyperCubeData", objectID, page)
		if err != nil {
			return nil, err
		}
		var out struct {
			DataPages []struct {
				Matrix []json.RawMessage `json:"qMatrix"`
			} `json:"qDataPages"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &Error{Kind: KindUpstream, Op: "engine GetHyperCubeData", Message: "decode data pages", Err: err}
		}
		got := 0
		for _, p := range out.DataPages {
			rows = append(rows, p.Matrix...)
			got += len(p.Matrix)
		}
		if got == 0 {
			break
		}
		top += height
	}
	if opts.MaxRows > 0 && len(rows) > opts.MaxRows {
		rows = rows[:opts.MaxRows]
	}

	data := &ChartData{Rows: rows, TotalRows: total}
	if opts.IncludeMeta {
		data.Meta = &ChartMeta{
			Dimensions: orEmptyArray(hc.DimensionInfo),
			Measures:   orEmptyArray(hc.MeasureInfo),
			Size:       hc.Size,
		}
	}
	return data, nil
}

// ClampPageSize applies DefaultPageSize and bounds n to [1, MaxPageSize].
func ClampPageSize(n int) int {
	if n == 0 {
		n = DefaultPageSize
	}
	return min(MaxPageSize, max(1, n))
}

// read issues a read call, maps remote errors and dereferences a handle
// result through GetLayout.
func (s *Session) read(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	resp, err := s.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, readError(method, resp.Error)
	}

	handle, ok, err := asHandle(resp.Result)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Op: "engine " + method, Message: "unexpected handle result", Err: err}
	}
	if !ok {
		return resp.Result, nil
	}

	s.logger.Debug("dereferencing engine handle", "method", method, "handle", handle)

	layout, err := s.Call(ctx, "GetLayout", handle)
	if err != nil {
		return nil, err
	}
	if layout.Error != nil {
		return nil, readError("GetLayout", layout.Error)
	}
	return layout.Result, nil
}

// asHandle reports whether raw is a bare number, i.e. a handle that must
// be dereferenced instead of inline data.
func asHandle(raw json.RawMessage) (int64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false, nil
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return 0, false, nil
	}
	h, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

// readError maps a remote error on a read: the permission marker in the
// code or message means the token lacks access.
func readError(method string, e *RPCError) error {
	msg := remoteMessage(e)
	if strings.Contains(e.CodeString(), PermissionMarker) || strings.Contains(msg, PermissionMarker) {
		return &Error{Kind: KindAuth, Op: "engine " + method,
			Message: "engine auth/permission error (" + PermissionMarker + "): token lacks required access"}
	}
	return &Error{Kind: KindUpstream, Op: "engine " + method, Message: method + " failed: " + msg}
}

func remoteMessage(e *RPCError) string {
	if e.Message != "" {
		return e.Message
	}
	if code := e.CodeString(); code != "" {
		return "code " + code
	}
	return "unknown error"
}

func decodeObjectList(method string, raw json.RawMessage) ([]ListEntry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []ListEntry{}, nil
	}
	var list objectList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &Error{Kind: KindUpstream, Op: "engine " + method, Message: "decode item list", Err: err}
	}
	if list.Items == nil {
		list.Items = []ListEntry{}
	}
	return list.Items, nil
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}
