package engine

// FindOptions selects, orders and pages the rows of a read.
type FindOptions struct {
	Where          map[string]any       `json:"where,omitempty"`
	Sort           []string             `json:"sort,omitempty"`
	Limit          int                  `json:"limit,omitempty"` // 0 uses the default, negative disables paging
	Offset         int                  `json:"offset,omitempty"`
	Page           int                  `json:"page,omitempty"`
	Search         string               `json:"search,omitempty"`
	IncludeDeleted bool                 `json:"includeDeleted,omitempty"`
	With           map[string]*WithSpec `json:"with,omitempty"`
	Count          []string             `json:"count,omitempty"`
}

// WithSpec requests one relation, optionally filtered and with its own
// nested relations.
type WithSpec struct {
	Where map[string]any       `json:"where,omitempty"`
	Sort  []string             `json:"sort,omitempty"`
	Limit int                  `json:"limit,omitempty"`
	With  map[string]*WithSpec `json:"with,omitempty"`
	Count []string             `json:"count,omitempty"`
}

type PaginatedResult struct {
	Docs          []map[string]any `json:"docs"`
	TotalDocs     int64            `json:"totalDocs"`
	Limit         int              `json:"limit"`
	TotalPages    int              `json:"totalPages"`
	Page          int              `json:"page"`
	PagingCounter int              `json:"pagingCounter"`
	HasPrevPage   bool             `json:"hasPrevPage"`
	HasNextPage   bool             `json:"hasNextPage"`
	PrevPage      *int             `json:"prevPage"`
	NextPage      *int             `json:"nextPage"`
}

// window resolves the limit and offset of a read. A zero limit means no
// limit.
func (e *Engine) window(opts FindOptions) (limit, offset int) {
	switch {
	case opts.Limit < 0:
		limit = 0
	case opts.Limit == 0:
		limit = e.opts.DefaultLimit
	default:
		limit = opts.Limit
	}
	if limit > e.opts.MaxLimit {
		limit = e.opts.MaxLimit
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset == 0 && opts.Page > 1 && limit > 0 {
		offset = (opts.Page - 1) * limit
	}
	return limit, offset
}

func paginate(docs []map[string]any, total int64, limit, offset int) *PaginatedResult {
	if docs == nil {
		docs = []map[string]any{}
	}
	res := &PaginatedResult{
		Docs:          docs,
		TotalDocs:     total,
		Limit:         limit,
		TotalPages:    1,
		Page:          1,
		PagingCounter: offset + 1,
	}
	if limit > 0 {
		res.Page = offset/limit + 1
		res.TotalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	res.HasPrevPage = res.Page > 1
	res.HasNextPage = res.Page < res.TotalPages
	if res.HasPrevPage {
		prev := res.Page - 1
		res.PrevPage = &prev
	}
	if res.HasNextPage {
		next := res.Page + 1
		res.NextPage = &next
	}
	return res
}

// pageSlice applies limit and offset to rows already held in memory.
func pageSlice(rows []map[string]any, limit, offset int) []map[string]any {
	if offset >= len(rows) {
		return []map[string]any{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
