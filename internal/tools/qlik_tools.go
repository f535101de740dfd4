package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

// Tool names.
const (
	ListAppsTool       = "qlik_list_apps"
	ListSheetsTool     = "qlik_list_sheets"
	GetSheetChartsTool = "qlik_get_sheet_charts"
	GetChartDataTool   = "qlik_get_chart_data"
)

const appIDHint = "Use appId from qlik_list_apps (no {{ }})."

// App is one normalized entry of an app listing.
type App struct {
	AppID   string `json:"appId"`
	Name    string `json:"name"`
	SpaceID string `json:"spaceId"`
	Owner   string `json:"owner"`
}

// AppList is the result of qlik_list_apps.
type AppList struct {
	Apps       []App  `json:"apps"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Sheet is one normalized sheet of an app.
type Sheet struct {
	SheetID     string `json:"sheetId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Published   bool   `json:"published"`
}

// SheetList is the result of qlik_list_sheets.
type SheetList struct {
	AppID  string  `json:"appId"`
	Sheets []Sheet `json:"sheets"`
}

// Chart is one visualization placed on a sheet.
type Chart struct {
	ObjectID string `json:"objectId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
}

// ChartList is the result of qlik_get_sheet_charts.
type ChartList struct {
	AppID   string  `json:"appId"`
	SheetID string  `json:"sheetId"`
	Charts  []Chart `json:"charts"`
}

func (r *Registry) registerQlikTools() {
	r.Register(&Tool{
		Name:        ListAppsTool,
		Description: "List Qlik Cloud apps. Returns appId, name, spaceId and owner. Use appId with qlik_list_sheets. Read-only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Max number of apps (1-100, default 20)",
					"minimum":     1,
					"maximum":     qlik.MaxListLimit,
				},
				"next": map[string]any{
					"type":        "string",
					"description": "Cursor or next-page URL from a previous response",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Filter by name (case-insensitive)",
				},
			},
		},
		Handler: r.handleListApps,
	})

	r.Register(&Tool{
		Name:        ListSheetsTool,
		Description: "List the sheets (tabs) of a Qlik app. Returns sheetId, title, description and published. Read-only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"appId": map[string]any{
					"type":        "string",
					"description": "App ID (appId from qlik_list_apps)",
				},
			},
			"required": []string{"appId"},
		},
		Handler: r.handleListSheets,
	})

	r.Register(&Tool{
		Name:        GetSheetChartsTool,
		Description: "List the charts (visualizations) on a sheet of a Qlik app. Returns objectId, type and title. Read-only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"appId": map[string]any{
					"type":        "string",
					"description": "App ID (appId from qlik_list_apps)",
				},
				"sheetId": map[string]any{
					"type":        "string",
					"description": "Sheet ID (sheetId from qlik_list_sheets)",
				},
			},
			"required": []string{"appId", "sheetId"},
		},
		Handler: r.handleGetSheetCharts,
	})

	r.Register(&Tool{
		Name: GetChartDataTool,
		Description: "Extract the data rows behind a chart in a Qlik app. Set includeMeta=true to also get the " +
			"dimensions and measures. Read-only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"appId": map[string]any{
					"type":        "string",
					"description": "App ID (appId from qlik_list_apps)",
				},
				"objectId": map[string]any{
					"type":        "string",
					"description": "Chart object ID (objectId from qlik_get_sheet_charts)",
				},
				"pageSize": map[string]any{
					"type":        "integer",
					"description": "Rows per page (default 100)",
					"minimum":     1,
					"maximum":     qlik.MaxPageSize,
				},
				"maxRows": map[string]any{
					"type":        "integer",
					"description": "Maximum total rows to return",
					"minimum":     1,
				},
				"includeMeta": map[string]any{
					"type":        "boolean",
					"description": "Include dimension and measure metadata (default false)",
				},
			},
			"required": []string{"appId", "objectId"},
		},
		Handler: r.handleGetChartData,
	})
}

func (r *Registry) handleListApps(ctx context.Context, args map[string]any) (any, error) {
	limit, err := intArg(args, "limit")
	if err != nil {
		return nil, err
	}
	next, err := stringArg(args, "next")
	if err != nil {
		return nil, err
	}
	if next == "" {
		if next, err = stringArg(args, "cursor"); err != nil {
			return nil, err
		}
	}
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}

	res, err := r.restClient(ctx).ListApps(ctx, qlik.ListAppsParams{
		Limit: limit,
		Next:  next,
		Name:  name,
	})
	if err != nil {
		return nil, err
	}
	return normalizeApps(res), nil
}

func normalizeApps(res *qlik.ListResult) AppList {
	out := AppList{Apps: make([]App, 0, len(res.Data)), NextCursor: res.NextCursor()}
	for _, item := range res.Data {
		id := strings.TrimSpace(item.ResourceID)
		if id == "" {
			id = strings.TrimSpace(item.ID)
		}
		if id == "" {
			continue
		}
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = "Unnamed app"
		}
		out.Apps = append(out.Apps, App{
			AppID:   id,
			Name:    name,
			SpaceID: strings.TrimSpace(item.SpaceID),
			Owner:   strings.TrimSpace(item.OwnerID),
		})
	}
	return out
}

func (r *Registry) handleListSheets(ctx context.Context, args map[string]any) (any, error) {
	appID := normalizeID(args["appId"])
	if appID == "" {
		return nil, missingArg("appId", appIDHint)
	}

	return r.withSession(ctx, appID, func(ctx context.Context, s *qlik.Session) (any, error) {
		entries, err := s.GetSheets(ctx)
		if err != nil {
			return nil, err
		}
		out := SheetList{AppID: appID, Sheets: make([]Sheet, 0, len(entries))}
		for _, e := range entries {
			if strings.TrimSpace(e.Info.ID) == "" {
				continue
			}
			out.Sheets = append(out.Sheets, Sheet{
				SheetID:     e.Info.ID,
				Title:       e.Meta.Title,
				Description: e.Meta.Description,
				Published:   e.Meta.Published,
			})
		}
		return out, nil
	})
}

func (r *Registry) handleGetSheetCharts(ctx context.Context, args map[string]any) (any, error) {
	appID := normalizeID(args["appId"])
	if appID == "" {
		return nil, missingArg("appId", appIDHint)
	}
	sheetID := normalizeID(args["sheetId"])
	if sheetID == "" {
		return nil, missingArg("sheetId", "Use sheetId from qlik_list_sheets (no {{ }}).")
	}

	return r.withSession(ctx, appID, func(ctx context.Context, s *qlik.Session) (any, error) {
		entries, err := s.GetSheetObjects(ctx, sheetID)
		if err != nil {
			return nil, err
		}
		out := ChartList{AppID: appID, SheetID: sheetID, Charts: make([]Chart, 0, len(entries))}
		for _, e := range entries {
			if strings.TrimSpace(e.Info.ID) == "" {
				continue
			}
			out.Charts = append(out.Charts, Chart{
				ObjectID: e.Info.ID,
				Type:     e.Info.Type,
				Title:    entryTitle(e),
			})
		}
		return out, nil
	})
}

// entryTitle prefers the object metadata title, falling back to a
// title carried in the object data.
func entryTitle(e qlik.ListEntry) string {
	if e.Meta.Title != "" {
		return e.Meta.Title
	}
	var d struct {
		Title string `json:"title"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &d) == nil {
		return d.Title
	}
	return ""
}

func (r *Registry) handleGetChartData(ctx context.Context, args map[string]any) (any, error) {
	appID := normalizeID(args["appId"])
	if appID == "" {
		return nil, missingArg("appId", appIDHint)
	}
	objectID := normalizeID(args["objectId"])
	if objectID == "" {
		return nil, missingArg("objectId", "Use objectId from qlik_get_sheet_charts (no {{ }}).")
	}
	pageSize, err := intArg(args, "pageSize")
	if err != nil {
		return nil, err
	}
	maxRows, err := intArg(args, "maxRows")
	if err != nil {
		return nil, err
	}
	if maxRows < 0 {
		return nil, &ErrInvalidArgument{Arg: "maxRows", Reason: "must be positive"}
	}
	includeMeta, err := boolArg(args, "includeMeta")
	if err != nil {
		return nil, err
	}

	return r.withSession(ctx, appID, func(ctx context.Context, s *qlik.Session) (any, error) {
		return s.GetChartData(ctx, objectID, qlik.ChartDataOptions{
			PageSize:    pageSize,
			MaxRows:     maxRows,
			IncludeMeta: includeMeta,
		})
	})
}
