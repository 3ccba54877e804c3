package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cloudwx/weather-collector/internal/scheduler"
)

// RegisterRoutes wires the daemon-mode operational endpoints into the Fiber
// app. These report collector health only; stored weather data is never served
// back.
func RegisterRoutes(app *fiber.App, tracker *scheduler.Tracker) {
	v1 := app.Group("/api/v1")

	v1.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"runs": tracker.Snapshot(),
		})
	})
}
