package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missioncore/internal/bus"
	"missioncore/internal/domain"
	"missioncore/internal/engine"
	"missioncore/internal/engine/auth"
	"missioncore/internal/events"
	"missioncore/internal/metrics"
	"missioncore/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Policy defaults to auth.DefaultPolicy.
	Policy *auth.Policy
	// Metrics, when set, is served on /metrics.
	Metrics *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"mission not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"mission.cancel\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every operation needs.
type handlers struct {
	e      engine.Engine
	policy auth.Policy
	auth   AuthConfig
}

// New returns an HTTP handler exposing the Mission API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := handlers{e: cfg.Engine, policy: auth.DefaultPolicy(), auth: cfg.Auth}
	if cfg.Policy != nil {
		h.policy = *cfg.Policy
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("missioncore API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	h.registerMissions(group)
	h.registerResources(group)
	h.registerOps(group)
	h.registerEvents(group)
	h.registerMe(group)
	if cfg.Auth.EnableDevLogin {
		h.registerDevAuth(group)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, bus.ErrInvalidMessage):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, repo.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "state_conflict", msg, nil)
	case strings.Contains(msg, "UNIQUE constraint"):
		return newAPIError(http.StatusConflict, "already_exists", "resource already exists", nil)
	case errors.Is(err, bus.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// require returns the caller if they hold perm.
func (h handlers) require(ctx context.Context, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := h.policy.Require(principal.Roles, principal.Permissions, perm); err != nil {
		return principal, err
	}
	return principal, nil
}

// seesAll reports whether the caller may read missions owned by others.
func (h handlers) seesAll(p Principal) bool {
	return h.policy.Allows(p.Roles, p.Permissions, auth.OpsRead) || h.policy.Allows(p.Roles, p.Permissions, auth.MissionReport)
}

// ownedMission loads a mission the caller may act on. Missions of other
// owners are reported as not found.
func (h handlers) ownedMission(ctx context.Context, p Principal, id string) (domain.Mission, error) {
	m, err := h.e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, err
	}
	if !h.seesAll(p) && m.Owner != p.ActorID {
		return domain.Mission{}, fmt.Errorf("mission %s: %w", id, repo.ErrNotFound)
	}
	return m, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>missioncore API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type missionPath struct {
	ID string `path:"id"`
}

func (h handlers) registerMissions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create a mission",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		principal, err := h.require(ctx, auth.MissionCreate)
		if err != nil {
			return nil, handleError(err)
		}
		owner := principal.ActorID
		if o := strValue(input.Body.Owner); o != "" && o != owner {
			// Creating on behalf of someone else is an operator action.
			if err := h.policy.Require(principal.Roles, principal.Permissions, auth.PoolManage); err != nil {
				return nil, handleError(err)
			}
			owner = o
		}
		m, err := h.e.CreateMission(ctx, engine.CreateOptions{
			ID:         strValue(input.Body.ID),
			Type:       input.Body.Type,
			Priority:   input.Body.Priority,
			Owner:      owner,
			CampaignID: strValue(input.Body.CampaignID),
			Params:     input.Body.Params,
			ActorID:    principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		State      string `query:"state" enum:"queued,assigned,executing,waiting,completed,failed,escalated,cancelled"`
		Type       string `query:"type"`
		Owner      string `query:"owner"`
		CampaignID string `query:"campaign_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		principal, err := h.require(ctx, auth.MissionRead)
		if err != nil {
			return nil, handleError(err)
		}
		owner := input.Owner
		if !h.seesAll(principal) {
			owner = principal.ActorID
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListMissions(ctx, repo.MissionFilters{
			State:           input.State,
			Type:            input.Type,
			Owner:           owner,
			CampaignID:      input.CampaignID,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMissions{Items: []domain.Mission{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(events.TimeLayout), last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Mission status with error history",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body MissionStatusResponse `json:"body"`
	}, error) {
		principal, err := h.require(ctx, auth.MissionRead)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := h.ownedMission(ctx, principal, input.ID); err != nil {
			return nil, handleError(err)
		}
		st, err := h.e.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionStatusResponse `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/cancel",
		Summary:     "Cancel a mission",
		Description: "Returns cancelled=false when the mission had already reached a terminal state.",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		principal, err := h.require(ctx, auth.MissionCancel)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := h.ownedMission(ctx, principal, input.ID); err != nil {
			return nil, handleError(err)
		}
		ok, err := h.e.CancelMission(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := h.e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: CancelResponse{Cancelled: ok, Mission: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-mission",
		Method:        http.MethodPost,
		Path:          "/missions/{id}/reports",
		Summary:       "Submit a worker report",
		Description:   "Publishes the report on the message bus, where it is applied like an in-process worker report.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		principal, err := h.require(ctx, auth.MissionReport)
		if err != nil {
			return nil, handleError(err)
		}
		msgID, err := h.e.Report(ctx, engine.ReportOptions{
			MissionID: input.ID,
			Type:      input.Body.Type,
			Sender:    principal.ActorID,
			Data:      input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{MessageID: msgID}}, nil
	})
}

func (h handlers) registerResources(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "Crew capacity, quota usage and the domain pool",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ResourcesResponse `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.OpsRead); err != nil {
			return nil, handleError(err)
		}
		res, err := h.e.Resources(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourcesResponse `json:"body"`
		}{Body: resourcesResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-identity",
		Method:        http.MethodPost,
		Path:          "/pool/identities",
		Summary:       "Add or update a sending identity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AddIdentityRequest `json:"body"`
	}) (*struct {
		Body domain.DomainIdentity `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PoolManage); err != nil {
			return nil, handleError(err)
		}
		d := domain.DomainIdentity{
			Identity:        input.Body.Identity,
			Type:            input.Body.Type,
			Status:          domain.IdentityStatus(input.Body.Status),
			ReputationScore: input.Body.ReputationScore,
		}
		if err := h.e.AddIdentity(ctx, d); err != nil {
			return nil, handleError(err)
		}
		stored, err := h.e.Repo.GetIdentity(ctx, d.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DomainIdentity `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns/{id}/release",
		Summary:     "Free the sending identities tied to a campaign",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReleaseCampaignResponse `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PoolManage); err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.ReleaseCampaign(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseCampaignResponse `json:"body"`
		}{Body: ReleaseCampaignResponse{CampaignID: input.ID, Released: n}}, nil
	})
}

func (h handlers) registerOps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dead-letters",
		Summary:     "Messages whose handler failed, oldest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DeadLetterResponse `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.OpsRead); err != nil {
			return nil, handleError(err)
		}
		out := []DeadLetterResponse{}
		for _, d := range h.e.Bus.DeadLetters() {
			out = append(out, deadLetterResponse(d))
		}
		return &struct {
			Body []DeadLetterResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-analytics",
		Method:      http.MethodGet,
		Path:        "/analytics",
		Summary:     "Outcome statistics per mission type",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AnalyticsResponse `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.OpsRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyticsResponse `json:"body"`
		}{Body: AnalyticsResponse{Stats: nonNilSlice(h.e.Analytics.Snapshot()), Bus: h.e.Bus.Stats()}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"mission,domain,config"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.OpsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: h.policy.Permissions(principal.Roles, principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(h.auth.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
