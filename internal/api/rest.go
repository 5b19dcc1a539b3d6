package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/api/auth"
	"github.com/hbomb79/Hoard/internal/api/clients"
	"github.com/hbomb79/Hoard/internal/api/downloads"
	"github.com/hbomb79/Hoard/internal/api/links"
	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/http/websocket"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
)

var log = logger.Get("API")

const (
	APIRoot  = "/api/hoard/v1"
	LinkRoot = APIRoot + "/links"

	shutdownTimeout = 15 * time.Second
	bodyLimit       = "2M"
)

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`

		// AdminKey authenticates the admin identity. Leaving this empty
		// disables the admin routes entirely.
		AdminKey string `yaml:"admin_key" env:"API_ADMIN_KEY"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// DownloadService is the union of the download operations exposed over HTTP.
	DownloadService interface {
		downloads.Service
		links.Service
	}

	// dataStore represents a union of all the controller store requirements
	dataStore interface {
		auth.Store
		clients.Store
		JobStore
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Hoard exposes, manage ongoing web socket connections and events,
	// and to enforce authc + authz middleware where applicable.
	RestGateway struct {
		*broadcaster
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		downloadController controller
		linkController     controller
		clientController   controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(config *RestConfig, downloadService DownloadService, store dataStore) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.Logger.SetLevel(gommonlog.WARN)
	ec.HTTPErrorHandler = util.GetHTTPErrorHandler(ec.DefaultHTTPErrorHandler)

	socket := websocket.New()
	socket.WithConnectionCallback(func(owner *uuid.UUID) map[string]interface{} {
		if owner == nil {
			return map[string]interface{}{"admin": true}
		}

		return map[string]interface{}{"admin": false, "client_id": owner.String()}
	})
	gateway := &RestGateway{
		broadcaster:        newBroadcaster(socket, store),
		config:             config,
		ec:                 ec,
		socket:             socket,
		downloadController: downloads.New(downloadService, LinkRoot),
		linkController:     links.New(downloadService),
		clientController:   clients.New(store),
	}

	authProvider := auth.NewAPIKeyAuth(store, config.AdminKey)

	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			// The full URI is never logged as it may contain an API key
			log.Emit(logger.VERBOSE, "%s %s -> %d (%s, %s)\n", v.Method, v.URIPath, v.Status, v.Latency, v.RemoteIP)
			return nil
		},
	}))
	ec.Use(middleware.Recover())
	ec.Use(middleware.BodyLimit(bodyLimit))
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(APIRoot+"/activity/ws/", gateway.upgradeSocket, authProvider.GetIdentityMiddleware())

	downloadGroup := ec.Group(APIRoot+"/downloads", authProvider.GetIdentityMiddleware())
	gateway.downloadController.SetRoutes(downloadGroup)

	linkGroup := ec.Group(LinkRoot)
	gateway.linkController.SetRoutes(linkGroup)

	clientGroup := ec.Group(APIRoot+"/admin/clients", authProvider.GetAdminMiddleware())
	gateway.clientController.SetRoutes(clientGroup)

	return gateway
}

// ServeHTTP allows the gateway to be used as a http.Handler directly, without
// starting a listener.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := ec.Shutdown(shutdownCtx); err != nil {
			log.Emit(logger.WARNING, "Graceful shutdown of HTTP server failed: %v\n", err)
			ec.Close()
		}
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// upgradeSocket upgrades the request to a websocket which receives updates
// for the jobs visible to the authenticated identity.
func (gateway *RestGateway) upgradeSocket(ec echo.Context) error {
	identity, err := auth.IdentityFromContext(ec)
	if err != nil {
		return err
	}

	var owner *uuid.UUID
	if !identity.Admin {
		owner = &identity.ClientID
	}

	gateway.socket.UpgradeToSocket(ec.Response(), ec.Request(), owner)
	return nil
}
