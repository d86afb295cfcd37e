package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "entity-hierarchy-engine/errors"
	"entity-hierarchy-engine/models"
	"entity-hierarchy-engine/services"

	"github.com/gorilla/mux"
)

// HierarchyHandler serves hierarchy reads and mutations
type HierarchyHandler struct {
	resolver *services.HierarchyResolver
	logger   services.Logger
}

// NewHierarchyHandler creates a hierarchy handler
func NewHierarchyHandler(resolver *services.HierarchyResolver, logger services.Logger) *HierarchyHandler {
	return &HierarchyHandler{
		resolver: resolver,
		logger:   logger.With(services.String("component", "hierarchy_handler")),
	}
}

// CreateNodeRequest is the body of POST /nodes
type CreateNodeRequest struct {
	ID       models.NodeID   `json:"id"`
	ParentID models.NodeID   `json:"parent_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MoveNodeRequest is the body of POST /nodes/{id}/move
type MoveNodeRequest struct {
	NewParentID models.NodeID `json:"new_parent_id"`
}

// DeleteNodeResponse is the body of a successful delete
type DeleteNodeResponse struct {
	Deleted []models.NodeID `json:"deleted"`
}

// GetNode handles GET /nodes/{id}
func (h *HierarchyHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["id"])

	node, err := h.resolver.GetNode(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, node)
}

// GetAncestors handles GET /nodes/{id}/ancestors
func (h *HierarchyHandler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	h.resolveDepthBounded(w, r, h.resolver.ResolveAncestors)
}

// GetDescendants handles GET /nodes/{id}/descendants
func (h *HierarchyHandler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	h.resolveDepthBounded(w, r, h.resolver.ResolveDescendants)
}

// GetChildren handles GET /nodes/{id}/children
func (h *HierarchyHandler) GetChildren(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["id"])

	result, err := h.resolver.ResolveChildren(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *HierarchyHandler) resolveDepthBounded(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id models.NodeID, maxDepth int) (*models.ResolveResult, error)) {
	id := models.NodeID(mux.Vars(r)["id"])

	maxDepth, err := maxDepthParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := fn(r.Context(), id, maxDepth)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// CreateNode handles POST /nodes
func (h *HierarchyHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperrors.NewValidationError("INVALID_REQUEST_BODY",
			"request body must be valid JSON", err))
		return
	}
	if req.ID == "" {
		respondError(w, apperrors.NewValidationError("MISSING_NODE_ID",
			"node id is required", nil))
		return
	}

	node, err := h.resolver.CreateNode(r.Context(), req.ID, req.ParentID, req.Payload)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, node)
}

// MoveNode handles POST /nodes/{id}/move
func (h *HierarchyHandler) MoveNode(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["id"])

	var req MoveNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperrors.NewValidationError("INVALID_REQUEST_BODY",
			"request body must be valid JSON", err))
		return
	}

	node, err := h.resolver.MoveNode(r.Context(), id, req.NewParentID)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, node)
}

// DeleteNode handles DELETE /nodes/{id}
func (h *HierarchyHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["id"])

	deleted, err := h.resolver.DeleteNode(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, DeleteNodeResponse{Deleted: deleted})
}

// maxDepthParam parses the optional max_depth query parameter
func maxDepthParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("max_depth")
	if raw == "" {
		return 0, nil
	}

	maxDepth, err := strconv.Atoi(raw)
	if err != nil || maxDepth < 0 {
		return 0, apperrors.NewValidationError("INVALID_MAX_DEPTH",
			"max_depth must be a non-negative integer", err)
	}
	return maxDepth, nil
}
