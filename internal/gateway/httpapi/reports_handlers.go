package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/civicpulse/civicpulse/internal/geo"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/jkaninda/okapi"
)

// ReportResponse is the JSON shape of a report.
type ReportResponse struct {
	ID            string    `json:"id"`
	City          string    `json:"city"`
	StreetAddress string    `json:"street_address"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Description   string    `json:"description"`
	Images        []string  `json:"images,omitempty"`
	Status        string    `json:"status,omitempty"`
	Department    string    `json:"department,omitempty"`
	Ranking       int       `json:"ranking"`
	Summary       string    `json:"summary,omitempty"`
	Upvotes       int       `json:"upvotes"`
	Downvotes     int       `json:"downvotes"`
	Source        string    `json:"source"`
	CommentCount  *int      `json:"comment_count,omitempty"`
	ReportedAt    time.Time `json:"reported_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func toReportResponse(r *reports.Report) ReportResponse {
	return ReportResponse{
		ID:            r.ID,
		City:          string(r.City),
		StreetAddress: r.StreetAddress,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Description:   r.Description,
		Images:        r.Images,
		Status:        r.Status,
		Department:    r.Department,
		Ranking:       r.Ranking,
		Summary:       r.Summary,
		Upvotes:       r.Upvotes,
		Downvotes:     r.Downvotes,
		Source:        r.Source,
		ReportedAt:    r.ReportedAt,
		CreatedAt:     r.CreatedAt,
	}
}

// handleReportList serves GET /v1/reports.
// Query params: city (repeatable or comma-separated), status, department,
// limit, include_counts.
func (g *Gateway) handleReportList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	var filter reports.ListFilter
	for _, raw := range q["city"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			city, err := reports.ParseCity(part)
			if err != nil {
				return c.AbortBadRequest("unknown city: " + part)
			}
			filter.Cities = append(filter.Cities, city)
		}
	}
	filter.Status = q.Get("status")
	filter.Department = q.Get("department")
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	list, err := g.svc.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("report listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing reports failed")
	}

	resp := make([]ReportResponse, len(list))
	for i := range list {
		resp[i] = toReportResponse(&list[i])
	}

	if q.Get("include_counts") == "true" && len(resp) > 0 {
		ids := make([]string, len(resp))
		for i := range resp {
			ids[i] = resp[i].ID
		}
		counts, err := g.svc.CommentCounts(c.Context(), ids)
		if err != nil {
			g.logger.Warn("comment count lookup failed", slog.String("error", err.Error()))
		} else {
			for i := range resp {
				n := counts[resp[i].ID]
				resp[i].CommentCount = &n
			}
		}
	}

	return c.OK(resp)
}

// ReportCreateRequest is the JSON body for POST /v1/reports.
type ReportCreateRequest struct {
	City          string `json:"city,omitempty"` // Default: SF.
	StreetAddress string `json:"street_address"`
	Description   string `json:"description"`
	ImageURL      string `json:"image_url,omitempty"`
}

func (g *Gateway) handleReportCreate(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ReportCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.StreetAddress == "" || req.Description == "" {
		return c.AbortBadRequest("street_address and description are required")
	}

	city := reports.CitySF
	if req.City != "" {
		parsed, err := reports.ParseCity(req.City)
		if err != nil {
			return c.AbortBadRequest("unknown city: " + req.City)
		}
		city = parsed
	}

	report, err := g.svc.Create(c.Context(), reports.CreateInput{
		City:          city,
		StreetAddress: req.StreetAddress,
		Description:   req.Description,
		ImageURL:      req.ImageURL,
	})
	if err != nil {
		g.logger.Error("report create failed", slog.String("error", err.Error()))
		return c.AbortBadRequest(err.Error())
	}

	return c.JSON(http.StatusCreated, toReportResponse(report))
}

func (g *Gateway) handleReportGet(c *okapi.Context) error {
	report, err := g.svc.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, reports.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found"})
		}
		g.logger.Error("report lookup failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("report lookup failed")
	}
	return c.OK(toReportResponse(report))
}

// VoteRequest is the JSON body for POST /v1/reports/{id}/vote.
// Previous carries the voter's prior vote so flips are compensated.
type VoteRequest struct {
	Action   string `json:"action"` // "up", "down", or "remove"
	Previous string `json:"previous,omitempty"`
}

// VoteResponse returns the resulting vote totals.
type VoteResponse struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
}

func (g *Gateway) handleReportVote(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req VoteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	action, err := reports.ParseVoteAction(req.Action)
	if err != nil {
		return c.AbortBadRequest("action must be \"up\", \"down\", or \"remove\"")
	}
	var previous reports.VoteAction
	if req.Previous != "" {
		previous, err = reports.ParseVoteAction(req.Previous)
		if err != nil {
			return c.AbortBadRequest("previous must be \"up\", \"down\", or \"remove\"")
		}
	}

	up, down, err := g.svc.Vote(c.Context(), c.Param("id"), action, previous)
	if err != nil {
		if errors.Is(err, reports.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found"})
		}
		g.logger.Error("vote failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("vote failed")
	}
	return c.OK(VoteResponse{Upvotes: up, Downvotes: down})
}

// CommentResponse is the JSON shape of a comment.
type CommentResponse struct {
	ID              string    `json:"id"`
	ReportID        string    `json:"report_id"`
	ParentCommentID string    `json:"parent_comment_id,omitempty"`
	AuthorName      string    `json:"author_name"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

func toCommentResponse(cm *reports.Comment) CommentResponse {
	return CommentResponse{
		ID:              cm.ID,
		ReportID:        cm.ReportID,
		ParentCommentID: cm.ParentCommentID,
		AuthorName:      cm.AuthorName,
		Content:         cm.Content,
		CreatedAt:       cm.CreatedAt,
	}
}

// handleCommentList serves GET /v1/comments?report_id=X.
func (g *Gateway) handleCommentList(c *okapi.Context) error {
	reportID := c.Request().URL.Query().Get("report_id")
	if reportID == "" {
		return c.AbortBadRequest("report_id is required")
	}

	list, err := g.svc.Comments(c.Context(), reportID)
	if err != nil {
		g.logger.Error("comment listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing comments failed")
	}

	resp := make([]CommentResponse, len(list))
	for i := range list {
		resp[i] = toCommentResponse(&list[i])
	}
	return c.OK(resp)
}

// CommentCreateRequest is the JSON body for POST /v1/comments.
type CommentCreateRequest struct {
	ReportID        string `json:"report_id"`
	ParentCommentID string `json:"parent_comment_id,omitempty"`
	AuthorName      string `json:"author_name,omitempty"` // Default: "Anonymous User".
	Content         string `json:"content"`
}

func (g *Gateway) handleCommentCreate(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CommentCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ReportID == "" || req.Content == "" {
		return c.AbortBadRequest("report_id and content are required")
	}

	author := req.AuthorName
	if author == "" {
		author = "Anonymous User"
	}
	comment := &reports.Comment{
		ReportID:        req.ReportID,
		ParentCommentID: req.ParentCommentID,
		AuthorName:      author,
		Content:         req.Content,
	}
	if err := g.svc.AddComment(c.Context(), comment); err != nil {
		g.logger.Error("comment create failed", slog.String("error", err.Error()))
		return c.AbortBadRequest(err.Error())
	}
	return c.JSON(http.StatusCreated, toCommentResponse(comment))
}

// CommentCountRequest is the JSON body for POST /v1/comments/count.
type CommentCountRequest struct {
	ReportIDs []string `json:"report_ids"`
}

// CommentCountResponse maps report id to comment count.
type CommentCountResponse struct {
	Counts map[string]int `json:"counts"`
}

func (g *Gateway) handleCommentCounts(c *okapi.Context) error {
	var req CommentCountRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.ReportIDs) == 0 {
		return c.AbortBadRequest("report_ids is required")
	}

	counts, err := g.svc.CommentCounts(c.Context(), req.ReportIDs)
	if err != nil {
		g.logger.Error("comment count failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("counting comments failed")
	}
	return c.OK(CommentCountResponse{Counts: counts})
}

// DepartmentsResponse is the JSON response for GET /v1/departments.
type DepartmentsResponse struct {
	Candidates []reports.Department `json:"candidates"`
	Nearest    *reports.Department  `json:"nearest,omitempty"`
}

// handleDepartments serves GET /v1/departments.
// Query params: city, department, lat, lon. Without department the full
// directory for the city is returned; with lat/lon the nearest office is
// included.
func (g *Gateway) handleDepartments(c *okapi.Context) error {
	q := c.Request().URL.Query()

	city := reports.CitySF
	if raw := q.Get("city"); raw != "" {
		parsed, err := reports.ParseCity(raw)
		if err != nil {
			return c.AbortBadRequest("unknown city: " + raw)
		}
		city = parsed
	}

	department := q.Get("department")
	if department == "" {
		return c.OK(DepartmentsResponse{Candidates: g.directory.Departments(city)})
	}

	var from *geo.Point
	if q.Get("lat") != "" || q.Get("lon") != "" {
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
		if latErr != nil || lonErr != nil {
			return c.AbortBadRequest("lat and lon must both be valid numbers")
		}
		from = &geo.Point{Latitude: lat, Longitude: lon}
	}

	result, err := g.directory.Nearest(c.Context(), city, department, from)
	if err != nil {
		g.logger.Error("department lookup failed", slog.String("error", err.Error()))
		return c.AbortBadRequest(err.Error())
	}
	return c.OK(DepartmentsResponse{Candidates: result.Candidates, Nearest: result.Nearest})
}

// SummaryResponse is the JSON response for POST /v1/reports/{id}/summary.
type SummaryResponse struct {
	ReportID   string `json:"report_id"`
	Summary    string `json:"summary"`
	Importance int    `json:"importance"`
}

func (g *Gateway) handleReportSummary(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	report, err := g.svc.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, reports.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found"})
		}
		return c.AbortInternalServerError("report lookup failed")
	}

	grade, err := g.grader.Summarize(c.Context(), report)
	if err != nil {
		g.logger.Error("report summarization failed",
			slog.String("report_id", report.ID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("summarization failed")
	}
	return c.OK(SummaryResponse{
		ReportID:   report.ID,
		Summary:    grade.Summary,
		Importance: grade.Importance,
	})
}

// RankRequest is the JSON body for POST /v1/reports/rank.
type RankRequest struct {
	FirstID  string `json:"first_id"`
	SecondID string `json:"second_id"`
}

// RankResponse identifies the more critical of the two reports.
type RankResponse struct {
	Ranking   int    `json:"ranking"` // 1 or 2
	Reasoning string `json:"reasoning"`
}

func (g *Gateway) handleReportRank(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RankRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.FirstID == "" || req.SecondID == "" {
		return c.AbortBadRequest("first_id and second_id are required")
	}

	first, err := g.svc.Get(c.Context(), req.FirstID)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found: " + req.FirstID})
	}
	second, err := g.svc.Get(c.Context(), req.SecondID)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found: " + req.SecondID})
	}

	cmp, err := g.grader.Compare(c.Context(), first, second)
	if err != nil {
		g.logger.Error("report comparison failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("comparison failed")
	}
	return c.OK(RankResponse{Ranking: cmp.Ranking, Reasoning: cmp.Reasoning})
}

// handleSource311 serves GET /v1/sources/311/{city}: a live passthrough to
// the upstream 311 feed, bypassing the ingested store.
func (g *Gateway) handleSource311(c *okapi.Context) error {
	city, err := reports.ParseCity(c.Param("city"))
	if err != nil {
		return c.AbortBadRequest("unknown city: " + c.Param("city"))
	}
	source, ok := g.sources[city]
	if !ok {
		return c.AbortBadRequest("no 311 feed available for city " + string(city))
	}

	limit := 100
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return c.AbortBadRequest("limit must be between 1 and 1000")
		}
		limit = n
	}

	cases, err := source.Fetch(c.Context(), limit)
	if err != nil {
		g.logger.Error("311 fetch failed",
			slog.String("city", string(city)),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("upstream 311 fetch failed")
	}
	return c.OK(cases)
}
