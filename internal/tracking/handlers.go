package tracking

import (
	"context"
	"errors"
	"time"

	"backend-pathtrack/internal/location"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

const sampleTimeout = 15 * time.Second

var validate = validator.New()

// Routes bundles what the tracking endpoints drive.
type Routes struct {
	Session    *Session
	Observable *Observable
	Ingest     *location.Ingest
	Gate       *location.DeviceGate
}

func RegisterRoutes(r fiber.Router, rt Routes, authMiddleware fiber.Handler) {
	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		var req StartConfig
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		rt.Session.Start(req)
		return c.Status(fiber.StatusAccepted).JSON(stateResponse(rt.Session))
	})

	r.Post("/stop", authMiddleware, func(c *fiber.Ctx) error {
		rt.Session.Stop()
		return c.JSON(stateResponse(rt.Session))
	})

	r.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(stateResponse(rt.Session))
	})

	r.Get("/path", func(c *fiber.Ctx) error {
		return c.JSON(rt.Observable.Current())
	})

	r.Post("/fixes", authMiddleware, func(c *fiber.Ctx) error {
		var req FixRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		var err error
		if req.Error != "" {
			err = rt.Ingest.PushError(sensorError(req.Error))
		} else {
			if req.Timestamp == 0 {
				req.Timestamp = time.Now().UnixMilli()
			}
			fix := location.Fix{AccuracyM: req.AccuracyM}
			fix.Timestamp, fix.Lat, fix.Lon = req.Timestamp, req.Lat, req.Lon
			err = rt.Ingest.Push(fix)
		}
		if errors.Is(err, location.ErrUnavailable) {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/permission", authMiddleware, func(c *fiber.Ctx) error {
		var req PermissionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		rt.Gate.Report(*req.Granted)
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/sample", authMiddleware, func(c *fiber.Ctx) error {
		var req SampleRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), sampleTimeout)
		defer cancel()
		res, err := rt.Session.Sample(ctx, req.HighAccuracy)
		if err != nil {
			return fiber.NewError(sampleStatus(err), err.Error())
		}
		return c.JSON(SampleResponse{
			Accepted: res.Accepted,
			Reason:   string(res.Reason),
			Cursor:   rt.Observable.Current().Cursor,
		})
	})
}

func stateResponse(s *Session) StateResponse {
	st := s.State()
	resp := StateResponse{SessionID: s.ID(), State: st.Phase.String()}
	if st.Reason != nil {
		resp.Reason = st.Reason.Error()
	}
	return resp
}

func sensorError(code string) error {
	switch code {
	case "permission_denied":
		return location.ErrPermissionDenied
	case "timeout":
		return location.ErrTimeout
	}
	return location.ErrUnavailable
}

func sampleStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotActive):
		return fiber.StatusConflict
	case errors.Is(err, location.ErrTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, location.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, location.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
