package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes serves /ws/:key. A client gets the latest snapshot for key
// on connect and every snapshot after that; anything it sends is ignored.
func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/ws/:key", websocket.New(func(c *websocket.Conn) {
		client := hub.Register(c.Params("key"))
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
