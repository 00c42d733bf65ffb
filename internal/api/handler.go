package api

import (
	"fmt"
	"mime/multipart"
	"time"

	"github.com/gofiber/fiber/v2"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/search"
)

type Handler struct {
	engine *engine.Engine
	search *search.Index
}

func NewHandler(e *engine.Engine, ix *search.Index) *Handler {
	return &Handler{engine: e, search: ix}
}

// List handles GET /api/:collection
func (h *Handler) List(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	opts, err := findOptions(c, coll.Entity())
	if err != nil {
		return err
	}
	res, err := coll.Find(c.UserContext(), opts, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Count handles GET /api/:collection/count
func (h *Handler) Count(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	opts, err := findOptions(c, coll.Entity())
	if err != nil {
		return err
	}
	n, err := coll.Count(c.UserContext(), opts, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"totalDocs": n})
}

// Search handles GET /api/:collection/search?q=
func (h *Handler) Search(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	if h.search == nil {
		return engine.NotImplemented(coll.Name(), "search index")
	}
	hits, err := h.search.Search(c.UserContext(), coll.Name(), c.Query("q"))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		// searching still requires read access to the collection
		if _, err := coll.Count(c.UserContext(), engine.FindOptions{}, opContext(c)); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": hits})
	}

	// keep only the hits the caller can read
	ids := make([]any, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	pk := coll.Entity().PrimaryKey.Field
	res, err := coll.Find(c.UserContext(), engine.FindOptions{
		Where: map[string]any{pk: map[string]any{"in": ids}},
		Limit: -1,
	}, opContext(c))
	if err != nil {
		return err
	}
	readable := make(map[string]bool, len(res.Docs))
	for _, doc := range res.Docs {
		readable[fmt.Sprint(doc[pk])] = true
	}
	visible := make([]search.Hit, 0, len(hits))
	for _, hit := range hits {
		if readable[hit.ID] {
			visible = append(visible, hit)
		}
	}
	return c.JSON(fiber.Map{"data": visible})
}

// GetByID handles GET /api/:collection/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	opts, err := findOptions(c, coll.Entity())
	if err != nil {
		return err
	}
	row, err := coll.FindByID(c.UserContext(), c.Params("id"), opts, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:collection
func (h *Handler) Create(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	row, err := coll.Create(c.UserContext(), body, opContext(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": row})
}

// Update handles PATCH /api/:collection/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	row, err := coll.UpdateByID(c.UserContext(), c.Params("id"), body, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// UpdateMany handles PATCH /api/:collection with {"where": {...}, "data": {...}}
func (h *Handler) UpdateMany(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	var body struct {
		Where map[string]any `json:"where"`
		Data  map[string]any `json:"data"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	if body.Data == nil {
		return engine.BadRequest("data is required")
	}
	rows, err := coll.Update(c.UserContext(), body.Where, body.Data, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rows})
}

// Delete handles DELETE /api/:collection/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	res, err := coll.DeleteByID(c.UserContext(), c.Params("id"), opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// DeleteMany handles DELETE /api/:collection with where or filter[...]
// parameters. An unfiltered request is refused.
func (h *Handler) DeleteMany(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	where, err := parseWhere(c, coll.Entity())
	if err != nil {
		return err
	}
	if len(where) == 0 {
		return engine.BadRequest("a filter is required to delete many %s", coll.Name())
	}
	res, err := coll.Delete(c.UserContext(), where, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Restore handles POST /api/:collection/:id/restore
func (h *Handler) Restore(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	row, err := coll.RestoreByID(c.UserContext(), c.Params("id"), opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Versions handles GET /api/:collection/:id/versions
func (h *Handler) Versions(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	versions, err := coll.FindVersions(c.UserContext(), c.Params("id"), opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": versions})
}

// Revert handles POST /api/:collection/:id/revert with {"id"} or {"version"}
func (h *Handler) Revert(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	var ref engine.VersionRef
	if err := c.BodyParser(&ref); err != nil {
		return invalidPayload()
	}
	row, err := coll.RevertToVersion(c.UserContext(), c.Params("id"), ref, opContext(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Transition handles POST /api/:collection/:id/transition with
// {"to": stage, "at": RFC3339 time}. A future time schedules the move.
func (h *Handler) Transition(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	var body struct {
		To string     `json:"to"`
		At *time.Time `json:"at"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	if body.To == "" {
		return engine.BadRequest("to is required")
	}
	row, err := coll.TransitionStage(c.UserContext(), c.Params("id"), body.To, body.At, opContext(c))
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if body.At != nil && body.At.After(time.Now()) {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{"data": row})
}

// Upload handles POST /api/:collection/upload. Every "file" part becomes a
// record; the other form values are record fields.
func (h *Handler) Upload(c *fiber.Ctx) error {
	coll, err := h.collection(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Expected multipart form data")
	}
	headers := form.File["file"]
	if len(headers) == 0 {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Missing file in form data")
	}

	data := map[string]any{}
	for key, vals := range form.Value {
		if len(vals) == 0 {
			continue
		}
		v, err := coerceValue(coll.Entity(), key, vals[0])
		if err != nil {
			return err
		}
		data[key] = v
	}

	files := make([]engine.File, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return err
		}
		opened = append(opened, src)
		files = append(files, engine.File{
			Filename: fh.Filename,
			MimeType: fh.Header.Get(fiber.HeaderContentType),
			Size:     fh.Size,
			Reader:   src,
		})
	}

	oc := opContext(c)
	if len(files) == 1 {
		row, err := coll.Upload(c.UserContext(), files[0], data, oc)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": row})
	}
	rows, err := coll.UploadMany(c.UserContext(), files, data, oc)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rows})
}

func (h *Handler) collection(c *fiber.Ctx) (*engine.Collection, error) {
	return h.engine.Collection(c.Params("collection"))
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil || body == nil {
		return nil, invalidPayload()
	}
	return body, nil
}

func invalidPayload() error {
	return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
}
