package kernel

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/services"
	"github.com/oapi-codegen/runtime"
)

// legacySource is the only producer allowed to create items without a
// sub-task cursor: rows imported from the pre-pipeline store.
const legacySource = "migration"

type createItemRequest struct {
	Type         domain.ItemType `json:"item_type"`
	Source       string          `json:"source"`
	URL          string          `json:"url"`
	CompanyName  string          `json:"company_name"`
	CompanyID    string          `json:"company_id"`
	ParentItemID *string         `json:"parent_item_id"`
	MaxRetries   *int            `json:"max_retries"`
	Legacy       bool            `json:"legacy"`
	Payload      map[string]any  `json:"payload"`
}

type listItemsParams struct {
	Type   *string
	Status *string
	Parent *string
	Limit  *int
}

type statsResponse struct {
	Total    int                       `json:"total"`
	ByStatus map[domain.ItemStatus]int `json:"by_status"`
}

// bindID binds the {id} path segment the way generated handlers do.
func bindID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter id: "+err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := &domain.WorkItem{
		Type:        req.Type,
		Source:      strings.TrimSpace(req.Source),
		URL:         strings.TrimSpace(req.URL),
		CompanyName: strings.TrimSpace(req.CompanyName),
		CompanyID:   req.CompanyID,
		Payload:     req.Payload,
		MaxRetries:  s.defaultMaxRetries(),
	}
	if item.Source == "" {
		item.Source = "api"
	}
	if req.Legacy && item.Source != legacySource {
		writeError(w, http.StatusBadRequest, `legacy items are accepted only with source "`+legacySource+`"`)
		return
	}
	if req.MaxRetries != nil {
		item.MaxRetries = *req.MaxRetries
	}
	if req.ParentItemID != nil && *req.ParentItemID != "" {
		parent := domain.WorkItemID(*req.ParentItemID)
		item.ParentItemID = &parent
	}
	if !req.Legacy {
		if first, ok := domain.FirstSubTask(item.Type); ok {
			item.SubTask = &first
		}
	}

	if err := s.deps.Items.Create(r.Context(), item); err != nil {
		s.writeDomainError(w, "create item", err)
		return
	}
	s.logger.Info("work item queued",
		"item_id", item.ID,
		"item_type", item.Type,
		"source", item.Source,
		"legacy", item.IsLegacy(),
	)
	s.publish(item, services.EventTypeCreated, "")
	s.deps.Notify()
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) defaultMaxRetries() int {
	if s.deps.Settings == nil {
		return domain.DefaultConfig().Pipeline.DefaultMaxRetries
	}
	return s.deps.Settings.GetConfig().Pipeline.DefaultMaxRetries
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	var params listItemsParams
	query := r.URL.Query()
	for name, dest := range map[string]**string{"type": &params.Type, "status": &params.Status, "parent": &params.Parent} {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			writeError(w, http.StatusBadRequest, "invalid format for parameter "+name)
			return
		}
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter limit")
		return
	}

	var filter domain.ListFilter
	if params.Type != nil {
		filter.Type = domain.ItemType(*params.Type)
	}
	if params.Status != nil {
		filter.Status = domain.ItemStatus(*params.Status)
	}
	if params.Parent != nil {
		parent := domain.WorkItemID(*params.Parent)
		filter.Parent = &parent
	}
	if params.Limit != nil {
		filter.Limit = *params.Limit
	}

	items, err := s.deps.Items.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := bindID(w, r)
	if !ok {
		return
	}
	item, err := s.deps.Items.Get(r.Context(), domain.WorkItemID(id))
	if err != nil {
		s.writeDomainError(w, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	id, ok := bindID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.deps.Items.Cancel(ctx, domain.WorkItemID(id)); err != nil {
		s.writeDomainError(w, "cancel item", err)
		return
	}
	item, err := s.deps.Items.Get(ctx, domain.WorkItemID(id))
	if err != nil {
		s.writeDomainError(w, "get item", err)
		return
	}
	s.logger.Info("work item cancelled", "item_id", id)
	s.publish(item, services.EventTypeTerminal, "cancelled by operator")
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Items.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, "stats", err)
		return
	}
	resp := statsResponse{ByStatus: counts}
	for _, n := range counts {
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobRecords(w http.ResponseWriter, r *http.Request) {
	var minScore, limit *int
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "min_score", query, &minScore); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter min_score")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter limit")
		return
	}
	records, err := s.deps.Records.ListJobRecords(r.Context(), derefInt(minScore), derefInt(limit))
	if err != nil {
		s.writeDomainError(w, "list job records", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListCompanyRecords(w http.ResponseWriter, r *http.Request) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter limit")
		return
	}
	records, err := s.deps.Records.ListCompanyRecords(r.Context(), derefInt(limit))
	if err != nil {
		s.writeDomainError(w, "list company records", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
