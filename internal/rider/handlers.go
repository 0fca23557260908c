package rider

import (
	"errors"
	"time"

	"backend-uthutho/internal/chat"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/location"
	"backend-uthutho/internal/presence"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, reg *Registry, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)

	r.Get("/journey", func(c *fiber.Ctx) error {
		client := reg.Client(userID(c))
		if _, err := client.Load(c.Context()); err != nil {
			return httpError(err)
		}
		return c.JSON(client.View())
	})

	r.Post("/journey", func(c *fiber.Ctx) error {
		var req journey.JoinRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		client := reg.Client(userID(c))
		res, err := client.Join(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		status := fiber.StatusOK
		if !res.AlreadyWaiting {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(fiber.Map{"result": res, "view": client.View()})
	})

	r.Post("/journey/complete", func(c *fiber.Ctx) error {
		done, err := reg.Client(userID(c)).Complete(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(done)
	})

	r.Post("/presence", func(c *fiber.Ctx) error {
		var body struct {
			Status journey.ParticipantStatus `json:"status"`
		}
		if err := c.BodyParser(&body); err != nil || body.Status == "" {
			return fiber.NewError(fiber.StatusBadRequest, "status required")
		}
		client := reg.Client(userID(c))
		res, err := client.Advance(c.Context(), body.Status)
		if err != nil {
			if errors.Is(err, location.ErrPermissionDenied) {
				return c.Status(fiber.StatusPreconditionRequired).JSON(fiber.Map{
					"error":             "location_permission_required",
					"permission_prompt": client.View().PermissionPrompt,
				})
			}
			return httpError(err)
		}
		return c.JSON(res)
	})

	r.Post("/location/fix", func(c *fiber.Ctx) error {
		var body struct {
			Lat        *float64  `json:"latitude"`
			Lng        *float64  `json:"longitude"`
			AccuracyM  float64   `json:"accuracy_m"`
			RecordedAt time.Time `json:"recorded_at"`
		}
		if err := c.BodyParser(&body); err != nil || body.Lat == nil || body.Lng == nil {
			return fiber.NewError(fiber.StatusBadRequest, "latitude and longitude required")
		}
		reg.Client(userID(c)).ReportFix(location.Position{
			Lat: *body.Lat, Lng: *body.Lng, AccuracyM: body.AccuracyM, At: body.RecordedAt,
		})
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/location/permission", func(c *fiber.Ctx) error {
		var body struct {
			Granted *bool `json:"granted"`
		}
		if err := c.BodyParser(&body); err != nil || body.Granted == nil {
			return fiber.NewError(fiber.StatusBadRequest, "granted required")
		}
		reg.Client(userID(c)).AnswerPermission(*body.Granted)
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/chat", func(c *fiber.Ctx) error {
		v, err := reg.Client(userID(c)).Chat()
		if err != nil {
			return httpError(err)
		}
		return c.JSON(v)
	})

	r.Post("/chat", func(c *fiber.Ctx) error {
		var body struct {
			Message string `json:"message"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		client := reg.Client(userID(c))
		echo, err := client.SendMessage(c.Context(), body.Message)
		if err != nil {
			if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, ErrNoJourney) {
				return httpError(err)
			}
			v, _ := client.Chat()
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "message not sent", "echo": echo, "chat": v})
		}
		return c.Status(fiber.StatusCreated).JSON(echo)
	})

	r.Put("/chat/draft", func(c *fiber.Ctx) error {
		var body struct {
			Message string `json:"message"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		if err := reg.Client(userID(c)).SetDraft(body.Message); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func httpError(err error) error {
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		return fiber.NewError(fiber.StatusPreconditionRequired, err.Error())
	case errors.Is(err, presence.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, journey.ErrNoActiveJourney), errors.Is(err, presence.ErrNotParticipating), errors.Is(err, ErrNoJourney):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, journey.ErrInvalidJoin), errors.Is(err, chat.ErrEmptyMessage):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
