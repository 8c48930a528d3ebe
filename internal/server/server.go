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
	"github.com/google/uuid"

	"redress/internal/app"
	"redress/internal/domain"
	"redress/internal/engine"
	"redress/internal/escalation"
	"redress/internal/finance"
	"redress/internal/ledger"
	"redress/internal/legal"
	"redress/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Redress API and starts the
// webhook dispatcher when any webhooks are configured.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Redress API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrchestrate(group, cfg.App.Engine)
	registerLegal(group, cfg.App.Legal)
	registerFinance(group, cfg.App.Finance)
	registerProvenance(group, cfg.App.Ledger)
	registerEscalation(group, cfg.App)
	registerEvents(group, cfg.App.Repo)
	registerAPIKeys(group, cfg.App.Repo)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.App)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "malformed"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join("/", basePath, "health")
	devLoginPath := path.Join("/", basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Redress API Docs</title>
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

func registerOrchestrate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrate-run",
		Method:      http.MethodPost,
		Path:        "/orchestrate/run",
		Summary:     "Execute an agent pipeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if strings.TrimSpace(input.Body.Action) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		run, err := e.Run(ctx, engine.RunOptions{
			RunID:   input.Body.RunID,
			UserID:  input.Body.UserID,
			Action:  input.Body.Action,
			Payload: input.Body.Payload,
			TraceID: input.Body.TraceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-status",
		Method:      http.MethodGet,
		Path:        "/orchestrate/status/{run_id}",
		Summary:     "Run status (fast path)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunStatusResponse `json:"body"`
	}, error) {
		status, err := e.Status(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunStatusResponse `json:"body"`
		}{Body: RunStatusResponse{RunID: input.RunID, Status: status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/orchestrate/run/{run_id}",
		Summary:     "Get run with step history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Get(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/orchestrate/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.List(ctx, input.UserID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			res = append(res, runResponse(run))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerLegal(api huma.API, e *legal.Evaluator) {
	huma.Register(api, huma.Operation{
		OperationID: "legal-check",
		Method:      http.MethodPost,
		Path:        "/legal/check",
		Summary:     "Run a legal compliance check",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LegalCheckRequest `json:"body"`
	}) (*struct {
		Body LegalCheckResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActionType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type is required", nil)
		}
		trace := input.Body.TraceID
		if trace == "" {
			trace = uuid.NewString()
		}
		res := e.Check(ctx, legal.Input{
			ActionType:  input.Body.ActionType,
			State:       input.Body.UserState.State,
			AccountDate: input.Body.UserState.AccountDate,
			Context:     input.Body.Context,
			TraceID:     trace,
		})
		flags := res.Flags
		if flags == nil {
			flags = []domain.LegalFlag{}
		}
		citations := res.Citations
		if citations == nil {
			citations = []domain.LegalCitation{}
		}
		return &struct {
			Body LegalCheckResponse `json:"body"`
		}{Body: LegalCheckResponse{
			OK:            res.OK,
			Flags:         flags,
			Citations:     citations,
			MustEscalate:  res.MustEscalate,
			ProvenanceRef: res.ProvenanceRef,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "legal-citation",
		Method:      http.MethodGet,
		Path:        "/legal/citation/{id}",
		Summary:     "Look up a legal citation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.LegalCitation `json:"body"`
	}, error) {
		citation, ok := e.Rules.Citation(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "citation not found", nil)
		}
		return &struct {
			Body domain.LegalCitation `json:"body"`
		}{Body: citation}, nil
	})
}

func registerFinance(api huma.API, e finance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "finance-simulate",
		Method:      http.MethodPost,
		Path:        "/finance/simulate",
		Summary:     "Run a deterministic financial simulation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body FinanceSimulateRequest `json:"body"`
	}) (*struct {
		Body FinanceSimulateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		trace := input.Body.TraceID
		if trace == "" {
			trace = uuid.NewString()
		}
		calc, checksum, assumptions, err := e.Simulate(input.Body.Scenario)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinanceSimulateResponse `json:"body"`
		}{Body: FinanceSimulateResponse{
			OK:            true,
			Calculations:  calc,
			Checksum:      checksum,
			Assumptions:   assumptions,
			ProvenanceRef: "finance_sim_" + trace,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finance-verify",
		Method:      http.MethodPost,
		Path:        "/finance/verify",
		Summary:     "Verify a calculation checksum",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body FinanceVerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ExpectedChecksum == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "expected_checksum is required", nil)
		}
		verified, err := finance.Verify(input.Body.Calculations, input.Body.ExpectedChecksum)
		if err != nil {
			return nil, handleError(err)
		}
		message := "Calculations verified"
		if !verified {
			message = "Checksum mismatch - calculations may have been tampered with"
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{OK: true, Verified: verified, Message: message}}, nil
	})
}

func registerProvenance(api huma.API, l *ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "provenance-log",
		Method:        http.MethodPost,
		Path:          "/provenance/log",
		Summary:       "Append a provenance record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProvenanceLogRequest `json:"body"`
	}) (*struct {
		Body ProvenanceLogResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		rec, err := l.Log(ctx, domain.ProvenanceRecord{
			ProvenanceID:   input.Body.ProvenanceID,
			AgentID:        input.Body.AgentID,
			AgentVersion:   input.Body.AgentVersion,
			InputHash:      input.Body.InputHash,
			OutputHash:     input.Body.OutputHash,
			InputPath:      input.Body.InputPath,
			OutputPath:     input.Body.OutputPath,
			LegalDBVersion: input.Body.LegalDBVersion,
			FinanceVersion: input.Body.FinanceVersion,
			TimestampUTC:   input.Body.TimestampUTC,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvenanceLogResponse `json:"body"`
		}{Body: ProvenanceLogResponse{
			OK:            true,
			ProvenanceID:  rec.ProvenanceID,
			HMACSignature: rec.HMACSignature,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "provenance-recent",
		Method:      http.MethodGet,
		Path:        "/provenance/recent/{limit}",
		Summary:     "Most recent provenance records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `path:"limit"`
	}) (*struct {
		Body []domain.ProvenanceRecord `json:"body"`
	}, error) {
		records, err := l.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.ProvenanceRecord{}
		}
		return &struct {
			Body []domain.ProvenanceRecord `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provenance",
		Method:      http.MethodGet,
		Path:        "/provenance/{id}",
		Summary:     "Get a provenance record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ProvenanceRecord `json:"body"`
	}, error) {
		rec, err := l.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProvenanceRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "provenance-verify",
		Method:      http.MethodPost,
		Path:        "/provenance/verify",
		Summary:     "Verify an output hash against the ledger",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProvenanceVerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ProvenanceID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "provenance_id is required", nil)
		}
		verified, message, err := l.Verify(ctx, input.Body.ProvenanceID, input.Body.OutputHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{OK: true, Verified: verified, Message: message}}, nil
	})
}

func registerEscalation(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "escalation-flag",
		Method:      http.MethodPost,
		Path:        "/escalation/flag",
		Summary:     "Flag output for human review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EscalationFlagRequest `json:"body"`
	}) (*struct {
		Body EscalationFlagResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		item, err := a.Queue.Flag(ctx, input.Body.RunID, input.Body.AgentID, input.Body.Payload, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationFlagResponse `json:"body"`
		}{Body: EscalationFlagResponse{
			Message: "flagged for human review",
			ItemID:  item.ItemID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalation-queue",
		Method:      http.MethodGet,
		Path:        "/escalation/queue",
		Summary:     "Pending review items, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.EscalationItem `json:"body"`
	}, error) {
		items, err := a.Queue.Pending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.EscalationItem{}
		}
		return &struct {
			Body []domain.EscalationItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalation-item",
		Method:      http.MethodGet,
		Path:        "/escalation/item/{item_id}",
		Summary:     "Review item with its provenance record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body EscalationItemDetail `json:"body"`
	}, error) {
		item, prov, err := a.Queue.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationItemDetail `json:"body"`
		}{Body: EscalationItemDetail{Item: item, Provenance: prov}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalation-review",
		Method:      http.MethodPost,
		Path:        "/escalation/review/{item_id}",
		Summary:     "Record a human review decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                  `path:"item_id"`
		Body   EscalationReviewRequest `json:"body"`
	}) (*struct {
		Body EscalationReviewResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		reviewer := input.Body.ReviewerID
		if reviewer == "" {
			if actor, authErr := actorIDFromContext(ctx); authErr == nil {
				reviewer = actor
			}
		}
		item, err := a.Queue.Review(ctx, escalation.ReviewOptions{
			ItemID:        input.ItemID,
			ReviewerID:    reviewer,
			Decision:      input.Body.Decision,
			Notes:         input.Body.Notes,
			EditedPayload: input.Body.EditedPayload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		decision := ""
		if item.Decision != nil {
			decision = *item.Decision
		}
		return &struct {
			Body EscalationReviewResponse `json:"body"`
		}{Body: EscalationReviewResponse{
			Message:  "review recorded",
			ItemID:   item.ItemID,
			Decision: decision,
		}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID      string `query:"run_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"run,step,provenance,escalation"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.RunID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerAPIKeys(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		id := "key_" + uuid.NewString()
		rawKey := "rdx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		err := r.InsertAPIKey(ctx, nil, domain.APIKey{
			ID:      id,
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		// The raw key is shown exactly once; only the hash is stored.
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: id, Key: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := r.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := r.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
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
		token, err := SignDevToken(authCfg.JWTSecret, actor)
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
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
