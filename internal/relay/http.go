package relay

import (
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// httpServer is the HTTP Surface (C6): one Fiber app per Instance exposing
// the /json/* discovery endpoints and the /extension, /cdp WS upgrades.
type httpServer struct {
	app  *fiber.App
	inst *Instance
}

func newHTTPServer(inst *Instance) *httpServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	s := &httpServer{app: app, inst: inst}
	s.routes()
	return s
}

func (s *httpServer) routes() {
	app := s.app

	app.Get("/health", s.handleHealth)

	app.Get("/json/version", s.requireBearer, s.handleJSONVersion)
	app.Get("/json/list", s.requireBearer, s.handleJSONList)
	app.Post("/json/attach/:id", s.requireBearer, s.handleJSONAttach)
	app.Get("/debug/events", s.requireBearer, s.handleDebugEvents)

	app.Use("/extension", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/extension", websocket.New(s.handleExtensionSocket))

	app.Use("/cdp", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !s.cdpUpgradeAuthorized(c) {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	})
	app.Get("/cdp", websocket.New(s.handleCDPSocket))
}

func (s *httpServer) requireBearer(c *fiber.Ctx) error {
	if !checkBearer(c.Get("Authorization"), s.inst.Token) {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody(ErrUnauthorized, "unauthorized"))
	}
	return c.Next()
}

func (s *httpServer) cdpUpgradeAuthorized(c *fiber.Ctx) bool {
	if checkBearer(c.Get("Authorization"), s.inst.Token) {
		return true
	}
	return c.Query("token") == s.inst.Token
}

func errorBody(kind error, message string) fiber.Map {
	return fiber.Map{"error": fiber.Map{"code": errorCode(kind), "message": message}}
}

func errorCode(kind error) string {
	switch kind {
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrExtensionUnavailable:
		return "ExtensionUnavailable"
	case ErrTimeout:
		return "Timeout"
	case ErrBadRequest:
		return "BadRequest"
	case ErrSessionNotFound:
		return "SessionNotFound"
	case ErrInvalidParams:
		return "InvalidParams"
	case ErrShutdown:
		return "Shutdown"
	default:
		return "Internal"
	}
}

func (s *httpServer) handleHealth(c *fiber.Ctx) error {
	return c.JSON(s.inst.health())
}

func (s *httpServer) handleJSONVersion(c *fiber.Ctx) error {
	body := fiber.Map{
		"Browser":          "relay/1.0",
		"Protocol-Version": "1.3",
	}
	if s.inst.ext.isConnected() {
		body["webSocketDebuggerUrl"] = s.inst.wsURLFor("")
	}
	return c.JSON(body)
}

func (s *httpServer) handleJSONList(c *fiber.Ctx) error {
	entries := s.inst.reg.list(s.inst.wsURLFor)
	return c.JSON(entries)
}

func (s *httpServer) handleJSONAttach(c *fiber.Ctx) error {
	id := c.Params("id")
	if !strings.HasPrefix(id, dtabPrefix) {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(ErrBadRequest, "unknown target id"))
	}

	tabID, err := strconv.ParseInt(strings.TrimPrefix(id, dtabPrefix), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(ErrBadRequest, "malformed tab id"))
	}

	if !s.inst.ext.isConnected() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody(ErrExtensionUnavailable, "no extension connected"))
	}

	targetID, sessionID, attachErr := s.inst.attachDiscoveredTab(tabID)
	if attachErr != nil {
		switch attachErr {
		case ErrTimeout:
			return c.Status(fiber.StatusGatewayTimeout).JSON(errorBody(ErrTimeout, "attach timed out"))
		case ErrExtensionUnavailable:
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody(ErrExtensionUnavailable, "no extension connected"))
		default:
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody(ErrExtensionUnavailable, attachErr.Error()))
		}
	}

	return c.JSON(fiber.Map{"targetId": targetID, "sessionId": sessionID})
}

func (s *httpServer) handleDebugEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	return c.JSON(fiber.Map{"events": s.inst.diag.Snapshot(limit)})
}

func (s *httpServer) handleExtensionSocket(conn *websocket.Conn) {
	if !s.inst.ext.acquire(conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(extensionCodeAlreadyConnected, "extension already connected"))
		_ = conn.Close()
		return
	}
	s.inst.ext.run(conn)
}

func (s *httpServer) handleCDPSocket(conn *websocket.Conn) {
	inst := s.inst
	client := inst.hub.register(conn)
	defer inst.hub.unregister(client.id)

	inst.rt.replayAttachedTo(client.id)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		inst.rt.handleClientFrame(client.id, msg)
	}
}

func (s *httpServer) listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *httpServer) shutdown() error {
	return s.app.Shutdown()
}
