package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/repository"
)

type fieldInfo struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required"`
	Queryable bool     `json:"queryable"`
	Sortable  bool     `json:"sortable"`
	Enum      []string `json:"enum,omitempty"`
}

type kindInfo struct {
	Kind       string      `json:"kind"`
	Label      string      `json:"label"`
	NaturalKey []string    `json:"naturalKey"`
	Fields     []fieldInfo `json:"fields"`
}

func describeKind(d *core.Descriptor) kindInfo {
	info := kindInfo{Kind: d.Kind, Label: d.Label, NaturalKey: d.NaturalKey}
	for _, f := range d.Fields {
		info.Fields = append(info.Fields, fieldInfo{
			Name:      f.Name,
			Type:      f.Type.String(),
			Required:  f.Required,
			Queryable: d.Queryable(f.Name),
			Sortable:  d.Sortable(f.Name),
			Enum:      f.EnumValues,
		})
	}
	return info
}

func (s *Server) handleListKinds(w http.ResponseWriter, r *http.Request) {
	bindings := s.deps.Kinds.All()
	out := make([]kindInfo, len(bindings))
	for i, b := range bindings {
		out[i] = describeKind(b.Descriptor())
	}
	writeJSON(w, r, map[string]any{"kinds": out})
}

// handleTemplate returns an empty CSV with the kind's header row.
func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	b, err := s.binding(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	desc := b.Descriptor()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", desc.Kind+"_template.csv"))
	cw, err := fileproc.NewWriter(w, desc)
	if err == nil {
		err = cw.Flush()
	}
	if err != nil {
		logging.FromContext(r.Context()).Warn("template write failed", "kind", desc.Kind, "error", err)
	}
}

// handleRecords runs a read-through query:
//
//	GET /api/kinds/product/records?price=gte:10&status=in:active,draft&sort=-price,sku&page=2&size=20
//
// A filter value without a known operator prefix is an equality match.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	b, err := s.binding(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	recs, err := b.ReadRecords(r.Context(), q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	page := repository.NormalizePage(q.Page)
	writeJSON(w, r, map[string]any{
		"kind":    b.Descriptor().Kind,
		"page":    page.Number,
		"size":    page.Size,
		"records": recs,
	})
}

// handlePreview dry-runs an import of an uploaded file:
//
//	GET /api/kinds/product/preview?ref=imports/...
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		badRequest(w, r, "ref", "ref is required")
		return
	}
	if !blob.IsImportKey(ref) {
		badRequest(w, r, "ref", "ref must name an uploaded file")
		return
	}

	rep, err := s.deps.Preview.Analyze(r.Context(), chi.URLParam(r, "kind"), ref)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, rep)
}

func (s *Server) binding(r *http.Request) (repository.Binding, error) {
	return s.deps.Kinds.Get(strings.ToLower(chi.URLParam(r, "kind")))
}

func parseQuery(r *http.Request) (repository.Query, error) {
	var q repository.Query
	for key, values := range r.URL.Query() {
		switch key {
		case "page", "size":
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				return q, &core.ValidationError{Field: key, Value: values[0], Message: key + " must be a non-negative integer"}
			}
			if key == "page" {
				q.Page.Number = n
			} else {
				q.Page.Size = n
			}
		case "sort":
			for _, f := range strings.Split(values[0], ",") {
				f = strings.TrimSpace(f)
				if f == "" {
					continue
				}
				desc := strings.HasPrefix(f, "-")
				q.Sort = append(q.Sort, repository.SortSpec{Field: strings.TrimPrefix(f, "-"), Desc: desc})
			}
		default:
			for _, v := range values {
				q.Filter = append(q.Filter, parseCondition(key, v))
			}
		}
	}
	return q, nil
}

func parseCondition(field, raw string) repository.Condition {
	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		if op, valid := repository.ParseOperator(prefix); valid {
			return repository.Condition{Field: field, Op: op, Value: rest}
		}
	}
	return repository.Condition{Field: field, Op: repository.OpEq, Value: raw}
}
