package handler

import (
	"net/http" // status codes

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Health is the liveness endpoint used by load balancers and monitoring
// systems.  It answers 200 "ok" whenever the process is serving requests.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
