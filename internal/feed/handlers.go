package feed

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes serves filtered change notifications over websocket to
// authenticated riders. A user_id filter must name the caller.
func RegisterRoutes(r fiber.Router, hub *Hub, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)
	r.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})

	r.Get("/ws/:table/:column/:value", func(c *fiber.Ctx) error {
		column := c.Params("column")
		if !Filterable(column) {
			return fiber.NewError(fiber.StatusBadRequest, "column not filterable")
		}
		if column == ColumnUserID {
			if caller, _ := c.Locals("user_id").(string); caller != c.Params("value") {
				return fiber.NewError(fiber.StatusForbidden, "cannot follow another user")
			}
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		sub := hub.Subscribe(Filter{
			Table:  c.Params("table"),
			Column: c.Params("column"),
			Value:  c.Params("value"),
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for change := range sub.C {
				payload, _ := json.Marshal(change)
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unsubscribe(sub)
		<-done
	}))
}
