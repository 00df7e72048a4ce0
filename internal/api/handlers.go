package api

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/cache"
	"github.com/sinosply/edge/internal/chat"
	"github.com/sinosply/edge/internal/store"
)

type messageView struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	Sent      bool   `json:"sent"`
	Read      bool   `json:"read"`
	FileType  string `json:"fileType,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func toView(m store.Message) messageView {
	return messageView{
		ID:        m.MsgID,
		Body:      m.Body,
		Sender:    m.Sender,
		Sent:      m.Sent,
		Read:      m.Read,
		FileType:  m.FileType,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		Timestamp: m.Timestamp,
	}
}

func fail(c *fiber.Ctx, code int, err error) error {
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.chat.Status())
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	before := int64(c.QueryInt("before", 0))
	msgs, err := s.db.ListMessages(s.chat.SessionID(), before, limit)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err)
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toView(m))
	}
	return c.JSON(fiber.Map{"messages": views})
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	m, err := s.chat.SendMessage(req.Body)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return fail(c, fiber.StatusBadRequest, err)
	case errors.Is(err, chat.ErrClosed):
		return fail(c, fiber.StatusConflict, err)
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(toView(*m))
}

func (s *Server) handleTyping(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	s.chat.InputChanged(req.Text)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleWidget(c *fiber.Ctx) error {
	var req struct {
		Open bool `json:"open"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if err := s.chat.SetWidgetOpen(req.Open); err != nil {
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return fail(c, fiber.StatusBadRequest, errors.New("no files in request"))
	}

	files := make([]chat.File, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return fail(c, fiber.StatusBadRequest, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return fail(c, fiber.StatusBadRequest, err)
		}
		files = append(files, chat.File{
			Name:        h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	accepted, rejected := s.chat.UploadFiles(files)
	views := make([]messageView, 0, len(accepted))
	for _, m := range accepted {
		views = append(views, toView(*m))
	}
	rejections := make([]fiber.Map, 0, len(rejected))
	for _, r := range rejected {
		rejections = append(rejections, fiber.Map{"name": r.Name, "error": r.Err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted": views,
		"rejected": rejections,
	})
}

func (s *Server) handleDismissUploadError(c *fiber.Ctx) error {
	s.chat.DismissUploadError()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGetIdentity(c *fiber.Ctx) error {
	return c.JSON(s.chat.Identity())
}

func (s *Server) handleSetIdentity(c *fiber.Ctx) error {
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	id := s.chat.Identity()
	id.Name = req.Name
	id.Email = req.Email
	id.UserID = req.UserID
	id.IsAuthenticated = req.UserID != ""
	if err := s.chat.SetIdentity(id); err != nil {
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(id)
}

func (s *Server) handleCollections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"collections": s.caches.Names()})
}

func (s *Server) catalogStore(c *fiber.Ctx) (*cache.Store, error) {
	name := c.Params("collection")
	st, ok := s.caches.Get(name)
	if !ok {
		return nil, errors.New("unknown collection: " + name)
	}
	return st, nil
}

func (s *Server) handleCatalogList(c *fiber.Ctx) error {
	st, err := s.catalogStore(c)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 10)
	search := c.Query("search")
	force, _ := strconv.ParseBool(c.Query("force", "false"))

	res := st.Fetch(c.UserContext(), page, limit, search, force)
	s.logger.Debug("catalog list",
		zap.String("collection", st.Collection()),
		zap.Bool("fromCache", res.FromCache),
		zap.Bool("refreshing", res.Refreshing))
	return c.JSON(res)
}

func (s *Server) handleCatalogGet(c *fiber.Ctx) error {
	st, err := s.catalogStore(c)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	data, err := st.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return catalogError(c, err)
	}
	return c.JSON(fiber.Map{"data": json.RawMessage(data)})
}

func (s *Server) handleCatalogCreate(c *fiber.Ctx) error {
	st, err := s.catalogStore(c)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	data, err := st.Create(c.UserContext(), append(json.RawMessage(nil), c.Body()...))
	if err != nil {
		return catalogError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": json.RawMessage(data)})
}

func (s *Server) handleCatalogUpdate(c *fiber.Ctx) error {
	st, err := s.catalogStore(c)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	data, err := st.Update(c.UserContext(), c.Params("id"), append(json.RawMessage(nil), c.Body()...))
	if err != nil {
		return catalogError(c, err)
	}
	return c.JSON(fiber.Map{"data": json.RawMessage(data)})
}

func (s *Server) handleCatalogDelete(c *fiber.Ctx) error {
	st, err := s.catalogStore(c)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	if err := st.Delete(c.UserContext(), c.Params("id")); err != nil {
		return catalogError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func catalogError(c *fiber.Ctx, err error) error {
	if errors.Is(err, cache.ErrUnauthorized) {
		return fail(c, fiber.StatusUnauthorized, err)
	}
	return fail(c, fiber.StatusBadGateway, err)
}
