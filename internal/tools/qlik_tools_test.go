package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

func TestListApps_Normalizes(t *testing.T) {
	ft := newFakeTenant(t)
	ft.setItems(`{
		"data": [
			{"resourceId": " app-1 ", "id": "item-1", "name": " Sales ", "spaceId": "sp-1", "ownerId": "u-1"},
			{"id": "item-2"},
			{"resourceId": "  ", "id": " ", "name": "ghost"}
		],
		"links": {"next": {"href": "https://tenant.example/api/v1/items?next=p2"}}
	}`)

	out, err := ft.registry().Execute(tokenCtx(t, "tok"), ListAppsTool, map[string]any{"limit": float64(5)})
	require.NoError(t, err)

	var got AppList
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []App{
		{AppID: "app-1", Name: "Sales", SpaceID: "sp-1", Owner: "u-1"},
		{AppID: "item-2", Name: "Unnamed app"},
	}, got.Apps)
	assert.Equal(t, "https://tenant.example/api/v1/items?next=p2", got.NextCursor)

	auth, _, _, hits := ft.snapshot()
	assert.Equal(t, 1, hits)
	assert.Equal(t, []string{"Bearer tok"}, auth)
}

func TestListApps_OmitsCursorOnLastPage(t *testing.T) {
	ft := newFakeTenant(t)
	out, err := ft.registry().Execute(tokenCtx(t, "tok"), ListAppsTool, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"apps": []}`, out)
}

func TestListApps_RejectsBadLimit(t *testing.T) {
	ft := newFakeTenant(t)
	_, err := ft.registry().Execute(tokenCtx(t, "tok"), ListAppsTool, map[string]any{"limit": "many"})

	var ia *ErrInvalidArgument
	require.ErrorAs(t, err, &ia)
	assert.Equal(t, "limit", ia.Arg)
	_, _, _, hits := ft.snapshot()
	assert.Zero(t, hits)
}

func TestListSheets(t *testing.T) {
	ft := newFakeTenant(t)
	ft.setEngine(func(req qlik.Request) any {
		return map[string]any{"qItems": []any{
			map[string]any{
				"qInfo": map[string]any{"qId": "s1", "qType": "sheet"},
				"qMeta": map[string]any{"title": "Overview", "description": "Top line", "published": true},
			},
			map[string]any{"qInfo": map[string]any{"qId": ""}},
		}}
	})

	out, err := ft.registry().Execute(tokenCtx(t, "tok"), ListSheetsTool, map[string]any{"appId": " {{ app-1 }} "})
	require.NoError(t, err)

	var got SheetList
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "app-1", got.AppID)
	assert.Equal(t, []Sheet{{SheetID: "s1", Title: "Overview", Description: "Top line", Published: true}}, got.Sheets)

	_, docs, methods, _ := ft.snapshot()
	assert.Equal(t, []string{"app-1"}, docs)
	assert.Equal(t, []string{"OpenDoc", "GetSheets"}, methods)
}

func TestListSheets_MissingAppID(t *testing.T) {
	ft := newFakeTenant(t)
	for _, v := range []any{nil, "", "  ", "{{}}", "{{ }}"} {
		_, err := ft.registry().Execute(tokenCtx(t, "tok"), ListSheetsTool, map[string]any{"appId": v})
		var ia *ErrInvalidArgument
		require.ErrorAs(t, err, &ia, "appId=%v", v)
		assert.Equal(t, "appId", ia.Arg)
	}
	_, docs, _, _ := ft.snapshot()
	assert.Empty(t, docs)
}

func TestListSheets_PermissionError(t *testing.T) {
	ft := newFakeTenant(t)
	ft.setEngine(func(req qlik.Request) any {
		return &qlik.RPCError{Code: json.RawMessage(`"QEP-104"`), Message: "Access denied"}
	})

	_, err := ft.registry().Execute(tokenCtx(t, "tok"), ListSheetsTool, map[string]any{"appId": "app-1"})
	assert.ErrorIs(t, err, qlik.ErrAuth)
}

func TestListSheets_MissingToken(t *testing.T) {
	ft := newFakeTenant(t)
	_, err := ft.registry().Execute(tokenCtx(t, ""), ListSheetsTool, map[string]any{"appId": "app-1"})
	assert.ErrorIs(t, err, qlik.ErrAuth)
	_, docs, _, _ := ft.snapshot()
	assert.Empty(t, docs)
}

func TestGetSheetCharts(t *testing.T) {
	ft := newFakeTenant(t)
	ft.setEngine(func(req qlik.Request) any {
		if req.Method != "GetSheetObjects" || len(req.Params) != 1 || req.Params[0] != "sheet-9" {
			return &qlik.RPCError{Message: "unexpected"}
		}
		return map[string]any{"qItems": []any{
			map[string]any{"qInfo": map[string]any{"qId": "c1", "qType": "barchart"}, "qMeta": map[string]any{"title": "Revenue"}},
			map[string]any{"qInfo": map[string]any{"qId": "c2", "qType": "kpi"}, "qData": map[string]any{"title": "Margin"}},
		}}
	})

	out, err := ft.registry().Execute(tokenCtx(t, "tok"), GetSheetChartsTool,
		map[string]any{"appId": "app-1", "sheetId": "{{sheet-9}}"})
	require.NoError(t, err)

	var got ChartList
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "sheet-9", got.SheetID)
	assert.Equal(t, []Chart{
		{ObjectID: "c1", Type: "barchart", Title: "Revenue"},
		{ObjectID: "c2", Type: "kpi", Title: "Margin"},
	}, got.Charts)
}

func TestGetChartData(t *testing.T) {
	ft := newFakeTenant(t)
	ft.setEngine(func(req qlik.Request) any {
		switch req.Method {
		case "GetObject":
			return map[string]any{"layout": map[string]any{"qHyperCube": map[string]any{
				"qSize": map[string]any{"qcx": 1, "qcy": 2},
			}}}
		case "GetHyperCubeData":
			return map[string]any{"qDataPages": []any{map[string]any{"qMatrix": []any{
				[]any{map[string]any{"qText": "a"}},
				[]any{map[string]any{"qText": "b"}},
			}}}}
		}
		return &qlik.RPCError{Message: "unexpected " + req.Method}
	})

	out, err := ft.registry().Execute(tokenCtx(t, "tok"), GetChartDataTool,
		map[string]any{"appId": "app-1", "objectId": "obj-1", "includeMeta": true})
	require.NoError(t, err)

	var got struct {
		Data      [][]map[string]any `json:"data"`
		TotalRows int                `json:"totalRows"`
		Meta      *struct {
			Dimensions []any `json:"dimensions"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.TotalRows)
	require.Len(t, got.Data, 2)
	assert.Equal(t, "b", got.Data[1][0]["qText"])
	require.NotNil(t, got.Meta)
	assert.Empty(t, got.Meta.Dimensions)
}

func TestGetChartData_ArgumentValidation(t *testing.T) {
	ft := newFakeTenant(t)
	reg := ft.registry()
	ctx := tokenCtx(t, "tok")

	tests := []struct {
		args map[string]any
		arg  string
	}{
		{map[string]any{"objectId": "o"}, "appId"},
		{map[string]any{"appId": "a"}, "objectId"},
		{map[string]any{"appId": "a", "objectId": "o", "pageSize": 1.5}, "pageSize"},
		{map[string]any{"appId": "a", "objectId": "o", "maxRows": -1.0}, "maxRows"},
		{map[string]any{"appId": "a", "objectId": "o", "includeMeta": "sometimes"}, "includeMeta"},
	}
	for _, tt := range tests {
		_, err := reg.Execute(ctx, GetChartDataTool, tt.args)
		var ia *ErrInvalidArgument
		require.ErrorAs(t, err, &ia, "args=%v", tt.args)
		assert.Equal(t, tt.arg, ia.Arg)
	}
	_, docs, _, _ := ft.snapshot()
	assert.Empty(t, docs)
}
